package layer

import (
	"fmt"
	"sync"

	"vizexport/internal/types"
)

// Direction 图层顺序调整方向
type Direction string

const (
	Front    Direction = "front"    // 移到最上层
	Back     Direction = "back"     // 移到最底层
	Forward  Direction = "forward"  // 上移一层
	Backward Direction = "backward" // 下移一层
)

// List 有序图层列表，靠后的图层绘制在上方。
// 除 Reorder 外，图层只能通过按ID替换的方式修改。
type List struct {
	mu     sync.RWMutex
	layers []Layer
}

// NewList 用已有图层创建列表，逐个校验
func NewList(layers ...Layer) (*List, error) {
	l := &List{}
	for _, layer := range layers {
		if err := l.Add(layer); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add 追加图层到最上层
func (l *List) Add(layer Layer) error {
	if err := layer.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexOf(layer.ID) >= 0 {
		return fmt.Errorf("%w: 重复的图层id %s", ErrInvalidLayer, layer.ID)
	}
	l.layers = append(l.layers, layer)
	return nil
}

// Remove 删除图层
func (l *List) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return fmt.Errorf("图层 %s: %w", id, types.ErrNotFound)
	}
	l.layers = append(l.layers[:i], l.layers[i+1:]...)
	return nil
}

// Replace 用新内容替换指定ID的图层，ID保持不变
func (l *List) Replace(id string, layer Layer) error {
	layer.ID = id
	if err := layer.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return fmt.Errorf("图层 %s: %w", id, types.ErrNotFound)
	}
	l.layers[i] = layer
	return nil
}

// Update 在副本上修改属性后整体替换，校验失败时列表不变
func (l *List) Update(id string, fn func(*Properties)) error {
	current, ok := l.Get(id)
	if !ok {
		return fmt.Errorf("图层 %s: %w", id, types.ErrNotFound)
	}
	fn(&current.Properties)
	return l.Replace(id, current)
}

// Reorder 调整图层顺序，已在边界时不做任何事
func (l *List) Reorder(id string, dir Direction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOf(id)
	if i < 0 {
		return fmt.Errorf("图层 %s: %w", id, types.ErrNotFound)
	}

	layer := l.layers[i]
	switch dir {
	case Front:
		l.layers = append(l.layers[:i], l.layers[i+1:]...)
		l.layers = append(l.layers, layer)
	case Back:
		l.layers = append(l.layers[:i], l.layers[i+1:]...)
		l.layers = append([]Layer{layer}, l.layers...)
	case Forward:
		if i < len(l.layers)-1 {
			l.layers[i], l.layers[i+1] = l.layers[i+1], l.layers[i]
		}
	case Backward:
		if i > 0 {
			l.layers[i], l.layers[i-1] = l.layers[i-1], l.layers[i]
		}
	default:
		return fmt.Errorf("未知的排序方向: %q", dir)
	}
	return nil
}

// Get 按ID查找图层（返回副本）
func (l *List) Get(id string) (Layer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexOf(id)
	if i < 0 {
		return Layer{}, false
	}
	return l.layers[i], true
}

// Layers 按绘制顺序返回所有图层的副本
func (l *List) Layers() []Layer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Layer, len(l.layers))
	copy(out, l.layers)
	return out
}

// Len 图层数量
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.layers)
}

func (l *List) indexOf(id string) int {
	for i := range l.layers {
		if l.layers[i].ID == id {
			return i
		}
	}
	return -1
}
