//go:build ignore

package unit

import "forgemud/internal/content"

func Blueprint(api *content.API) *content.Def {
	return &content.Def{
		Capabilities: []string{"room", "container"},
		Props: map[string]any{
			"short": "Town Square",
			"long": "The cobbled heart of town. A weathered notice board " +
				"leans by the fountain.",
			"exits": map[string]string{
				"east": "/areas/town/tavern",
			},
		},
		Handlers: map[string]content.Handler{
			"read": func(c *content.Call) bool {
				if len(c.Args) == 0 || c.Args[0] != "board" {
					return false
				}
				c.Caller.Send("The board reads: welcome, traveller. The tavern is east.")
				return true
			},
		},
	}
}
