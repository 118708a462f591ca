package layer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gg"
	"github.com/google/uuid"
)

// ErrInvalidLayer 图层属性不满足约束
var ErrInvalidLayer = errors.New("无效的图层")

// Type 图层类型，决定使用哪种可视化策略
type Type string

const (
	TypeBar       Type = "bar"
	TypeCircle    Type = "circle"
	TypeLine      Type = "line"
	TypeImage     Type = "image"
	TypeBeatImage Type = "beat-image"
)

// Types 所有已知的图层类型
var Types = []Type{TypeBar, TypeCircle, TypeLine, TypeImage, TypeBeatImage}

// Valid 是否为已知类型
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Spectral 是否消费频谱数据
func (t Type) Spectral() bool {
	return t == TypeBar || t == TypeCircle || t == TypeLine
}

// DefaultName 新建图层时的默认名称
func (t Type) DefaultName() string {
	switch t {
	case TypeImage:
		return "Image Layer"
	case TypeBeatImage:
		return "Beat Image"
	}
	s := string(t)
	if s == "" {
		return "Layer"
	}
	return strings.ToUpper(s[:1]) + s[1:] + " Wave"
}

// Properties 图层属性。几何属性是画布的百分比，频率单位 Hz，幅度范围 [0,255]。
type Properties struct {
	Color              string `json:"color"`
	GradientEnabled    bool   `json:"gradientEnabled"`
	GradientStartColor string `json:"gradientStartColor"`
	GradientEndColor   string `json:"gradientEndColor"`

	PositionX float64 `json:"positionX"`
	PositionY float64 `json:"positionY"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`

	BarCount int     `json:"barCount"`
	BarGap   float64 `json:"barGap"`

	Sensitivity float64 `json:"sensitivity"`
	Smoothing   float64 `json:"smoothing"`

	MinFrequency float64 `json:"minFrequency"`
	MaxFrequency float64 `json:"maxFrequency"`
	MinAmplitude float64 `json:"minAmplitude"`
	MaxAmplitude float64 `json:"maxAmplitude"`

	CenterRadius float64 `json:"centerRadius"`
	Mirrored     bool    `json:"mirrored"`
	Flip         bool    `json:"flip"`

	ImageURL            string  `json:"imageUrl,omitempty"`
	LowImageURL         string  `json:"lowImageUrl,omitempty"`
	HighImageURL        string  `json:"highImageUrl,omitempty"`
	MaintainAspectRatio bool    `json:"maintainAspectRatio"`
	ImageRatio          float64 `json:"imageRatio"`
}

// DefaultProperties 新图层的默认属性
func DefaultProperties() Properties {
	return Properties{
		Color:               "#FF1414",
		GradientStartColor:  "#3b82f6",
		GradientEndColor:    "#8b5cf6",
		PositionX:           50,
		PositionY:           50,
		Width:               40,
		Height:              40,
		BarCount:            64,
		BarGap:              2,
		CenterRadius:        0.5,
		Sensitivity:         0.8,
		Smoothing:           0.8,
		MinFrequency:        0,
		MaxFrequency:        22000,
		MinAmplitude:        0,
		MaxAmplitude:        255,
		Mirrored:            true,
		MaintainAspectRatio: true,
		ImageRatio:          1,
	}
}

// UnmarshalJSON 缺省字段取默认值
func (p *Properties) UnmarshalJSON(data []byte) error {
	type plain Properties
	v := plain(DefaultProperties())
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Properties(v)
	return nil
}

// Validate 检查属性约束
func (p Properties) Validate(t Type) error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(p.MinFrequency < p.MaxFrequency, "minFrequency(%g) 必须小于 maxFrequency(%g)", p.MinFrequency, p.MaxFrequency)
	check(p.MinFrequency >= 0, "minFrequency(%g) 不能为负", p.MinFrequency)
	check(p.MinAmplitude < p.MaxAmplitude, "minAmplitude(%g) 必须小于 maxAmplitude(%g)", p.MinAmplitude, p.MaxAmplitude)
	check(p.MinAmplitude >= 0 && p.MaxAmplitude <= 255, "幅度范围必须在 [0,255] 内")
	check(p.Width > 0 && p.Width <= 100, "width(%g) 必须在 (0,100] 内", p.Width)
	check(p.Height > 0 && p.Height <= 100, "height(%g) 必须在 (0,100] 内", p.Height)
	check(p.PositionX >= 0 && p.PositionX <= 100, "positionX(%g) 必须在 [0,100] 内", p.PositionX)
	check(p.PositionY >= 0 && p.PositionY <= 100, "positionY(%g) 必须在 [0,100] 内", p.PositionY)
	check(p.Smoothing >= 0 && p.Smoothing <= 1, "smoothing(%g) 必须在 [0,1] 内", p.Smoothing)
	check(p.Sensitivity >= 0, "sensitivity(%g) 不能为负", p.Sensitivity)
	check(p.CenterRadius >= 0 && p.CenterRadius <= 1, "centerRadius(%g) 必须在 [0,1] 内", p.CenterRadius)
	check(p.BarGap >= 0, "barGap(%g) 不能为负", p.BarGap)
	if t.Spectral() {
		check(p.BarCount >= 1, "barCount(%d) 至少为 1", p.BarCount)
	}
	for _, c := range [][2]string{
		{"color", p.Color},
		{"gradientStartColor", p.GradientStartColor},
		{"gradientEndColor", p.GradientEndColor},
	} {
		if c[1] == "" {
			continue
		}
		if _, err := gg.ParseHex(c[1]); err != nil {
			problems = append(problems, fmt.Sprintf("%s 颜色无效: %q", c[0], c[1]))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidLayer, strings.Join(problems, "; "))
	}
	return nil
}

// Layer 一个可视化图层，列表中的位置即绘制顺序
type Layer struct {
	ID         string     `json:"id"`
	Type       Type       `json:"type"`
	Name       string     `json:"name"`
	Properties Properties `json:"properties"`
}

// New 创建带新ID和默认属性的图层
func New(t Type, opts ...func(*Properties)) Layer {
	props := DefaultProperties()
	for _, opt := range opts {
		opt(&props)
	}
	return Layer{
		ID:         uuid.NewString(),
		Type:       t,
		Name:       t.DefaultName(),
		Properties: props,
	}
}

// UnmarshalJSON 缺少 properties 时使用默认属性
func (l *Layer) UnmarshalJSON(data []byte) error {
	type plain Layer
	v := plain{Properties: DefaultProperties()}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = Layer(v)
	return nil
}

// Validate 检查类型与属性
func (l Layer) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("%w: 缺少id", ErrInvalidLayer)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("%w: 未知类型 %q", ErrInvalidLayer, l.Type)
	}
	if err := l.Properties.Validate(l.Type); err != nil {
		return fmt.Errorf("图层 %s: %w", l.ID, err)
	}
	return nil
}
