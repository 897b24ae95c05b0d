package swarm

import (
	"fmt"
	"strings"

	"github.com/wardenhq/warden/pkg/models"
)

// formatMemberResults renders completed (and failed) member results for
// inclusion in a downstream role's context. Failures appear as their
// recorded "Error: ..." result so later roles can react to them.
func formatMemberResults(members []models.SwarmMember) string {
	var sb strings.Builder
	for _, m := range members {
		if m.Result == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", m.Role, m.Result)
	}
	return sb.String()
}

// buildRoleContext threads the original context and prior member results
// into the context for the next sequential role.
func buildRoleContext(original string, prior []models.SwarmMember) string {
	formatted := formatMemberResults(prior)
	switch {
	case original == "":
		return formatted
	case formatted == "":
		return original
	default:
		return original + "\n\n" + formatted
	}
}

// joinResults concatenates member outputs in seq order for the no-coordinator
// parallel result and the coordinator's synthesis context.
func joinResults(members []models.SwarmMember) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		if m.Result == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", m.Role, m.Result))
	}
	return strings.Join(parts, "\n\n")
}
