package bot

import (
	"fmt"
	"sort"
)

// Constructor 根据依赖创建一个未初始化的策略
type Constructor func(deps Deps) Strategy

// registry 策略名到构造函数的静态映射
var registry = map[string]Constructor{
	"grid": func(deps Deps) Strategy { return NewGrid(deps) },
}

// NewStrategy 按名称创建策略
func NewStrategy(name string, deps Deps) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q, available: %v", name, StrategyNames())
	}
	return ctor(deps), nil
}

// StrategyNames 返回所有已注册的策略名
func StrategyNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
