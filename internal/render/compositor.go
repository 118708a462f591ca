package render

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"vizexport/internal/analyzer"
	"vizexport/internal/layer"

	"github.com/gogpu/gg"
)

// Box 图层在画布上的像素包围盒
type Box struct {
	X, Y, W, H float64
}

// LayerBox 由百分比几何属性计算包围盒，宽高至少 1 像素
func LayerBox(width, height int, p layer.Properties) Box {
	w := math.Max(1, float64(width)*p.Width/100)
	h := math.Max(1, float64(height)*p.Height/100)
	return Box{
		X: float64(width)*p.PositionX/100 - w/2,
		Y: float64(height)*p.PositionY/100 - h/2,
		W: w,
		H: h,
	}
}

// LayerError 单个图层绘制失败
type LayerError struct {
	ID   string
	Type layer.Type
	Err  error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("绘制图层 %s (%s) 失败: %v", e.ID, e.Type, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }

// frame 策略函数的输入，坐标原点在包围盒中心
type frame struct {
	w, h  float64
	snap  *analyzer.Snapshot
	props layer.Properties
}

// Compositor 把频谱快照和图层列表绘制到画布上。
// 不持有帧之间的状态，快照只在一次 Render 调用内有效。
type Compositor struct {
	assets *Assets
	logger *slog.Logger
}

// Option 合成器选项
type Option func(*Compositor)

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(c *Compositor) { c.logger = l }
}

// NewCompositor 创建合成器，assets 为 nil 时使用新的空缓存
func NewCompositor(assets *Assets, opts ...Option) *Compositor {
	if assets == nil {
		assets = NewAssets()
	}
	c := &Compositor{
		assets: assets,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Assets 合成器使用的图片缓存
func (c *Compositor) Assets() *Assets {
	return c.assets
}

// Render 填充背景后按列表顺序绘制每个图层。
// 单个图层的错误或 panic 会被记录并跳过，其余图层照常绘制；返回所有图层错误的合并。
func (c *Compositor) Render(dc *gg.Context, width, height int, snap *analyzer.Snapshot, layers []layer.Layer, background string) error {
	dc.ClearWithColor(gg.Hex(background))

	var errs []error
	for _, l := range layers {
		if err := c.drawLayer(dc, width, height, snap, l); err != nil {
			c.logger.Error("图层绘制失败，已跳过", "layer", l.ID, "type", l.Type, "error", err)
			errs = append(errs, &LayerError{ID: l.ID, Type: l.Type, Err: err})
		}
	}
	return errors.Join(errs...)
}

// RenderImage 绘制单帧并返回图片，用于预览
func (c *Compositor) RenderImage(width, height int, snap *analyzer.Snapshot, layers []layer.Layer, background string) (*image.RGBA, error) {
	dc := gg.NewContext(width, height)
	defer dc.Close()

	err := c.Render(dc, width, height, snap, layers, background)
	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil, errors.New("画布格式不是RGBA")
	}
	return img, err
}

func (c *Compositor) drawLayer(dc *gg.Context, width, height int, snap *analyzer.Snapshot, l layer.Layer) (err error) {
	box := LayerBox(width, height, l.Properties)

	dc.Push()
	defer dc.Pop()
	defer func() {
		if r := recover(); r != nil {
			dc.ClearPath()
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	dc.ClipRect(box.X, box.Y, box.W, box.H)
	dc.Translate(box.X+box.W/2, box.Y+box.H/2)

	f := frame{w: box.W, h: box.H, snap: snap, props: l.Properties}
	switch l.Type {
	case layer.TypeBar:
		return drawBar(dc, f)
	case layer.TypeCircle:
		return drawCircle(dc, f)
	case layer.TypeLine:
		return drawLine(dc, f)
	case layer.TypeImage:
		return c.drawImage(dc, f)
	case layer.TypeBeatImage:
		return c.drawBeatImage(dc, f)
	default:
		return fmt.Errorf("%w: 未知类型 %q", layer.ErrInvalidLayer, l.Type)
	}
}

// setPaint 纯色或横向渐变填充，渐变坐标是设备像素
func setPaint(dc *gg.Context, f frame) {
	p := f.props
	if !p.GradientEnabled {
		dc.SetHexColor(p.Color)
		return
	}
	x0, _ := dc.TransformPoint(-f.w/2, 0)
	x1, _ := dc.TransformPoint(f.w/2, 0)
	if x0 == x1 {
		x1 = x0 + 1
	}
	dc.SetFillBrush(gg.HorizontalGradient(gg.Hex(p.GradientStartColor), gg.Hex(p.GradientEndColor), x0, x1))
}
