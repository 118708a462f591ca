package layer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// DefaultBackground 默认画布背景色
const DefaultBackground = "#000000"

// Project 图层工程文件，由外部编辑器生成并交给导出流程
type Project struct {
	BackgroundColor string  `json:"backgroundColor"`
	Layers          []Layer `json:"layers"`
}

// DecodeProject 从JSON读取工程
func DecodeProject(r io.Reader) (*Project, error) {
	p := &Project{BackgroundColor: DefaultBackground}
	if err := json.NewDecoder(r).Decode(p); err != nil {
		return nil, fmt.Errorf("解析工程文件失败: %w", err)
	}
	if p.BackgroundColor == "" {
		p.BackgroundColor = DefaultBackground
	}
	for i := range p.Layers {
		if p.Layers[i].Name == "" {
			p.Layers[i].Name = p.Layers[i].Type.DefaultName()
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProject 读取工程文件，path 为空时返回只有一个默认柱状图层的工程
func LoadProject(path string) (*Project, error) {
	if path == "" {
		return &Project{
			BackgroundColor: DefaultBackground,
			Layers:          []Layer{New(TypeBar)},
		}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开工程文件失败: %w", err)
	}
	defer f.Close()
	return DecodeProject(f)
}

// Validate 校验所有图层，ID不能重复
func (p *Project) Validate() error {
	_, err := NewList(p.Layers...)
	return err
}

// List 转为可修改的图层列表
func (p *Project) List() (*List, error) {
	return NewList(p.Layers...)
}

// Save 写入JSON文件
func (p *Project) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化工程失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入工程文件失败: %w", err)
	}
	return nil
}
