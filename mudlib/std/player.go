//go:build ignore

package unit

import (
	"fmt"

	"forgemud/internal/content"
)

func Blueprint(api *content.API) *content.Def {
	return &content.Def{
		Capabilities: []string{"living", "container"},
		Props: map[string]any{
			"hp":     100,
			"max_hp": 100,
		},
		Handlers: map[string]content.Handler{
			"score": func(c *content.Call) bool {
				hp, _ := c.Caller.Prop("hp").(int)
				maxHP, _ := c.Caller.Prop("max_hp").(int)
				c.Caller.Send(fmt.Sprintf("You have %d/%d hit points.", hp, maxHP))
				return true
			},
		},
	}
}
