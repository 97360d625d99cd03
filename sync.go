package guda

import "fmt"

// SynchronizeIfEnabled is the diagnostic hook run after launches. It does
// nothing unless the context was configured with DebugSync; then it waits
// for every stream to drain and returns any latent fault tagged with label.
func (ctx *Context) SynchronizeIfEnabled(label string) error {
	if !ctx.config.DebugSync {
		return nil
	}
	if err := ctx.Synchronize(); err != nil {
		ctx.Logf("%s: %v", label, err)
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}
