package render

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"golang.org/x/image/font/gofont/goregular"
)

const placeholderLabel = "Beat Image"

var (
	labelOnce sync.Once
	labelFace text.Face
	labelErr  error
)

// placeholderFace 占位框标签使用的字体，只加载一次
func placeholderFace() (text.Face, error) {
	labelOnce.Do(func() {
		src, err := text.NewFontSource(goregular.TTF)
		if err != nil {
			labelErr = fmt.Errorf("加载字体失败: %w", err)
			return
		}
		labelFace = src.Face(12)
	})
	return labelFace, labelErr
}

// lookup 取已加载的图片；加载中返回 nil 且无错误，下一帧再试
func (c *Compositor) lookup(url string) (*gg.ImageBuf, error) {
	if url == "" {
		return nil, nil
	}
	img, err := c.assets.Get(url)
	if errors.Is(err, ErrAssetPending) {
		return nil, nil
	}
	return img, err
}

// drawImage 静态图片，拉伸铺满包围盒
func (c *Compositor) drawImage(dc *gg.Context, f frame) error {
	img, err := c.lookup(f.props.ImageURL)
	if err != nil || img == nil {
		return err
	}
	stretch(dc, img, f, 1)
	return nil
}

// drawBeatImage 低频能量驱动的双图混合: low 不透明，high 的透明度等于低频能量。
// 两张图都不可用时画占位框。
func (c *Compositor) drawBeatImage(dc *gg.Context, f frame) error {
	low, lowErr := c.lookup(f.props.LowImageURL)
	high, highErr := c.lookup(f.props.HighImageURL)
	loadErr := errors.Join(lowErr, highErr)

	if low == nil && high == nil {
		if err := drawPlaceholder(dc, f); err != nil {
			return errors.Join(loadErr, err)
		}
		return loadErr
	}

	if low != nil {
		stretch(dc, low, f, 1)
	}
	if high != nil {
		stretch(dc, high, f, BassEnergy(f.snap, f.props))
	}
	return loadErr
}

// stretch 将图片绘制到整个包围盒。gg 把 0 透明度当作 1，所以完全透明时直接跳过。
func stretch(dc *gg.Context, img *gg.ImageBuf, f frame, alpha float64) {
	if alpha <= 0 {
		return
	}
	dc.DrawImageEx(img, gg.DrawImageOptions{
		X:         -f.w / 2,
		Y:         -f.h / 2,
		DstWidth:  f.w,
		DstHeight: f.h,
		Opacity:   alpha,
	})
}

func drawPlaceholder(dc *gg.Context, f frame) error {
	x, y := -f.w/2, -f.h/2

	dc.SetRGBA(1, 1, 1, 0.5)
	dc.SetLineWidth(2)
	dc.SetDash(5, 5)
	dc.DrawRectangle(x, y, f.w, f.h)
	err := dc.Stroke()
	dc.ClearDash()
	if err != nil {
		return err
	}

	dc.SetRGBA(1, 1, 1, 0.1)
	dc.DrawRectangle(x, y, f.w, f.h)
	if err := dc.Fill(); err != nil {
		return err
	}

	face, err := placeholderFace()
	if err != nil {
		return err
	}
	dc.SetFont(face)
	dc.SetRGBA(1, 1, 1, 1)
	dc.DrawStringAnchored(placeholderLabel, 0, 0, 0.5, 0.5)
	return nil
}
