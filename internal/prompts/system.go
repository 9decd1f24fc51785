// Package prompts builds the system instructions sent with every
// inference round.
package prompts

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const systemBase = `You are a home-automation assistant that controls a house through Home Assistant.

Capabilities:
- Turn lights, switches, and covers on and off
- Adjust temperature (thermostats, climate devices)
- Control media players
- Read sensor states (temperature, humidity, presence, ...)
- Trigger automations and scenes
- Watch entities and alert the user when they change
- Schedule actions for a later time

Rules:
- Be concise
- Always confirm what you just did after an action
- If you cannot find an entity, use list_entities to search for it
- For high-impact actions (cutting all power, alarm modes, ...), ask for confirmation first
- When the user names a room, search for entities with that room in their name`

// System returns the full system prompt for one inference round. The
// current time and unix timestamp let the model compute absolute
// execution times for scheduled actions; prefs is injected read-only
// context.
func System(now time.Time, prefs map[string]string) string {
	var sb strings.Builder
	sb.WriteString(systemBase)

	unixNow := now.Unix()
	fmt.Fprintf(&sb, "\n\nCurrent date and time: %s\n", now.Format("Monday, 2 January 2006 15:04 MST"))
	fmt.Fprintf(&sb, "Current unix timestamp: %d\n", unixNow)
	fmt.Fprintf(&sb, "For scheduled actions, compute the target unix timestamp:\n")
	fmt.Fprintf(&sb, "- \"in 10 minutes\" -> %d + 600 = %d\n", unixNow, unixNow+600)
	fmt.Fprintf(&sb, "- \"in 1 hour\" -> %d + 3600\n", unixNow)
	fmt.Fprintf(&sb, "- a specific time of day: compute from the current time above\n")

	if len(prefs) > 0 {
		sb.WriteString("\nUser preferences:\n")
		names := make([]string, 0, len(prefs))
		for name := range prefs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s: %s\n", name, prefs[name])
		}
	}

	return sb.String()
}
