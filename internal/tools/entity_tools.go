package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	// maxListedEntities bounds the list_entities payload.
	maxListedEntities = 60

	// History limits: default window, hard cap, and entry cap.
	defaultHistoryHours = 24
	maxHistoryHours     = 168
	maxHistoryEntries   = 50
)

func (r *Registry) registerEntityTools() {
	r.Register(&Tool{
		Name:        "get_entity_state",
		Description: "Get the current state of a Home Assistant entity (light, sensor, thermostat, etc.).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity id (e.g. light.living_room, sensor.bedroom_temperature)",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: r.handleGetState,
	})

	r.Register(&Tool{
		Name:        "list_entities",
		Description: "List available Home Assistant entities, optionally filtered by domain (light, switch, sensor, climate, media_player, cover, ...) and/or a search term matched against the entity id or display name.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "Domain to filter by (light, switch, sensor, ...). Optional.",
				},
				"search": map[string]any{
					"type":        "string",
					"description": "Case-insensitive search on entity id or display name. Optional.",
				},
			},
		},
		Handler: r.handleListEntities,
	})

	r.Register(&Tool{
		Name:        "call_ha_service",
		Description: "Call a Home Assistant service to control a device. Examples: light/turn_on, switch/toggle, climate/set_temperature, cover/open_cover, scene/turn_on.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "Service domain (light, switch, climate, ...)",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "Service to call (turn_on, turn_off, toggle, set_temperature, ...)",
				},
				"data": map[string]any{
					"type":        "object",
					"description": "Service data: include entity_id plus any parameters (brightness 0-255, temperature, volume_level, ...)",
				},
			},
			"required": []string{"domain", "service", "data"},
		},
		Handler: r.handleCallService,
	})

	r.Register(&Tool{
		Name:        "get_entity_history",
		Description: "Get the state history of an entity over the last N hours. Useful for temperature trends, recent activity, and similar questions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity id",
				},
				"hours": map[string]any{
					"type":        "number",
					"description": "Hours of history (default 24, max 168)",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: r.handleGetHistory,
	})
}

func (r *Registry) handleGetState(ctx context.Context, _ string, args map[string]any) (string, error) {
	entityID, err := stringArg(args, "entity_id")
	if err != nil {
		return "", err
	}

	state, err := r.ha.GetState(ctx, entityID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Entity: %s\nName: %s\nState: %s\n", state.EntityID, state.FriendlyName(), state.State)
	fmt.Fprintf(&sb, "Last updated: %s\n", state.LastUpdated.Format("2006-01-02 15:04:05"))

	if len(state.Attributes) > 0 {
		keys := make([]string, 0, len(state.Attributes))
		for k := range state.Attributes {
			if k == "friendly_name" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Attributes:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, state.Attributes[k])
		}
	}

	return sb.String(), nil
}

func (r *Registry) handleListEntities(ctx context.Context, _ string, args map[string]any) (string, error) {
	domain, _ := args["domain"].(string)
	search, _ := args["search"].(string)
	search = strings.ToLower(search)

	states, err := r.ha.GetStates(ctx)
	if err != nil {
		return "", err
	}

	var matches []string
	truncated := false
	for _, s := range states {
		if domain != "" && !strings.HasPrefix(s.EntityID, domain+".") {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(s.EntityID), search) &&
			!strings.Contains(strings.ToLower(s.FriendlyName()), search) {
			continue
		}
		if len(matches) >= maxListedEntities {
			truncated = true
			break
		}
		matches = append(matches, fmt.Sprintf("- %s (%s): %s", s.EntityID, s.FriendlyName(), s.State))
	}

	if len(matches) == 0 {
		return "No matching entities found.", nil
	}

	result := fmt.Sprintf("Found %d entities:\n%s", len(matches), strings.Join(matches, "\n"))
	if truncated {
		result += fmt.Sprintf("\n(list truncated at %d; narrow with domain or search)", maxListedEntities)
	}
	return result, nil
}

func (r *Registry) handleCallService(ctx context.Context, _ string, args map[string]any) (string, error) {
	domain, err := stringArg(args, "domain")
	if err != nil {
		return "", err
	}
	service, err := stringArg(args, "service")
	if err != nil {
		return "", err
	}
	data, _ := args["data"].(map[string]any)

	if err := r.ha.CallService(ctx, domain, service, data); err != nil {
		return "", err
	}

	return fmt.Sprintf("Service %s.%s executed successfully.", domain, service), nil
}

func (r *Registry) handleGetHistory(ctx context.Context, _ string, args map[string]any) (string, error) {
	entityID, err := stringArg(args, "entity_id")
	if err != nil {
		return "", err
	}

	hours := defaultHistoryHours
	if h, ok := args["hours"].(float64); ok && h > 0 {
		hours = int(h)
	}
	if hours > maxHistoryHours {
		hours = maxHistoryHours
	}

	entries, err := r.ha.GetHistory(ctx, entityID, hours)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No history for %s in the last %d hours.", entityID, hours), nil
	}

	// Keep only the most recent entries.
	if len(entries) > maxHistoryEntries {
		entries = entries[len(entries)-maxHistoryEntries:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "History for %s (last %d hours, %d entries):\n", entityID, hours, len(entries))
	for _, e := range entries {
		ts := e.LastUpdated
		if ts.IsZero() {
			ts = e.LastChanged
		}
		fmt.Fprintf(&sb, "- %s: %s\n", ts.Format("2006-01-02 15:04"), e.State)
	}
	return sb.String(), nil
}
