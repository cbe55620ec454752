//go:build ignore

package unit

import "forgemud/internal/content"

func Blueprint(api *content.API) *content.Def {
	return &content.Def{
		Capabilities: []string{"room", "container"},
		Props: map[string]any{
			"short": "The Rusty Flagon",
			"long": "A low-beamed tavern smelling of woodsmoke and spilled " +
				"ale. A rack of cheap blades stands behind the bar.",
			"exits": map[string]string{
				"west": "/areas/town/square",
			},
		},
		Requires: []string{"/std/sword"},
		Handlers: map[string]content.Handler{
			"buy": func(c *content.Call) bool {
				if len(c.Args) == 0 || c.Args[0] != "sword" {
					c.Caller.Send("The barkeep shrugs. \"Only swords here.\"")
					return true
				}
				sword, err := api.CloneObject("/std/sword")
				if err != nil {
					c.Caller.Send("The barkeep rummages around and comes up empty.")
					return true
				}
				if err := api.MoveObject(sword, c.Caller); err != nil {
					api.DestroyObject(sword)
					c.Caller.Send("You can't carry that right now.")
					return true
				}
				c.Caller.Send("The barkeep hands you a battered sword.")
				return true
			},
		},
	}
}
