//go:build !linux

package routing

import "context"

// NopManager is used where no route backend exists.
type NopManager struct{}

func NewManager() NopManager { return NopManager{} }

func (NopManager) AddRoutes(context.Context, []Route) error { return ErrUnsupported }
func (NopManager) ClearRoutes() error                       { return nil }
func (NopManager) RefreshRoutes()                           {}
func (NopManager) WaitForRoutes(context.Context, []Route) error {
	return ErrUnsupported
}
