package core

import (
	"context"
	"fmt"
)

// ComponentType enum для типов компонентов
type ComponentType string

const (
	ComponentTypeAdapter   ComponentType = "adapter"
	ComponentTypeStore     ComponentType = "store"
	ComponentTypeWorker    ComponentType = "worker"
	ComponentTypeTransport ComponentType = "transport"
)

// StartAll запускает компоненты по порядку. При ошибке уже запущенные
// компоненты останавливаются в обратном порядке.
func StartAll(ctx context.Context, components ...Lifecycle) error {
	for i, c := range components {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = components[j].Stop(ctx)
			}
			return fmt.Errorf("failed to start component %d: %w", i, err)
		}
	}
	return nil
}

// StopAll останавливает компоненты в обратном порядке и возвращает первую ошибку
func StopAll(ctx context.Context, components ...Lifecycle) error {
	var first error
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
