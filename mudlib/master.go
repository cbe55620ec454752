//go:build ignore

package unit

import "forgemud/internal/content"

// The master object. Loaded before anything else; its Def tells the
// driver what to preload and receives the lifecycle hooks.
func Blueprint(api *content.API) *content.Def {
	return &content.Def{
		Preload: []string{
			"/areas/town/square",
			"/areas/town/tavern",
		},
		OnDriverStart: func() {
			api.Log("master: world initialised")
		},
		OnRuntimeError: func(msg string, origin content.Object) {
			where := "unknown"
			if origin != nil {
				where = origin.ID()
			}
			api.Log("runtime error in " + where + ": " + msg)
		},
		OnShutdown: func() {
			api.Log("master: world going down")
		},
	}
}
