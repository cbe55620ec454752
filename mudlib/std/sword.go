//go:build ignore

package unit

import "forgemud/internal/content"

func Blueprint(api *content.API) *content.Def {
	return &content.Def{
		Props: map[string]any{
			"short":  "a battered sword",
			"long":   "Nicked and dull, but it still has a point.",
			"value":  25,
			"weight": 3,
		},
		Handlers: map[string]content.Handler{
			"wield": func(c *content.Call) bool {
				if len(c.Args) == 0 || c.Args[0] != "sword" {
					return false
				}
				if b, _ := c.Caller.Prop("wielding").(bool); b {
					c.Caller.Send("You are already wielding it.")
					return true
				}
				c.Caller.SetProp("wielding", true)
				c.Caller.Send("You wield the battered sword.")
				return true
			},
			"unwield": func(c *content.Call) bool {
				if len(c.Args) == 0 || c.Args[0] != "sword" {
					return false
				}
				c.Caller.SetProp("wielding", false)
				c.Caller.Send("You lower the battered sword.")
				return true
			},
		},
	}
}
