package sessions

import "strings"

// State key prefixes route a delta entry to a tier. Keys without a prefix
// address the session tier. Temp-prefixed keys live only for the current
// invocation and are never persisted.
const (
	StatePrefixApp  = "app:"
	StatePrefixUser = "user:"
	StatePrefixTemp = "temp:"
)

// splitDelta partitions a state delta into per-tier maps with the prefix
// stripped. Temp keys are dropped.
func splitDelta(delta map[string]any) (app, user, session map[string]any) {
	app = map[string]any{}
	user = map[string]any{}
	session = map[string]any{}
	for key, value := range delta {
		switch {
		case strings.HasPrefix(key, StatePrefixApp):
			app[strings.TrimPrefix(key, StatePrefixApp)] = value
		case strings.HasPrefix(key, StatePrefixUser):
			user[strings.TrimPrefix(key, StatePrefixUser)] = value
		case strings.HasPrefix(key, StatePrefixTemp):
			// invocation-scoped, not persisted
		default:
			session[key] = value
		}
	}
	return app, user, session
}

// mergeState builds the merged view: session keys appear bare, user and
// app keys appear with their prefix re-applied. Precedence is
// session > user > app, which the prefixes make structural.
func mergeState(app, user, session map[string]any) map[string]any {
	merged := make(map[string]any, len(app)+len(user)+len(session))
	for k, v := range app {
		merged[StatePrefixApp+k] = v
	}
	for k, v := range user {
		merged[StatePrefixUser+k] = v
	}
	for k, v := range session {
		merged[k] = v
	}
	return merged
}
