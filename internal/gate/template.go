package gate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Variables builds the numbered content variables of the opening template.
//
//	1 lead first name, 2 agent display name, 3 business name, 4 hook,
//	5 ideal state, 6 objectives, 7 desires
func Variables(lead *models.Lead, agent *models.AgentConfig, r Resolution) map[string]string {
	business := agent.BusinessName
	if business == "" {
		business = agent.DisplayName()
	}
	return map[string]string{
		"1": strings.TrimSpace(lead.FirstName),
		"2": agent.DisplayName(),
		"3": business,
		"4": r.Hook,
		"5": r.IdealState,
		"6": r.Objectives,
		"7": r.Desires,
	}
}

// Render replaces every {{n}} placeholder in body with its variable.
// Placeholders without a variable are left as they are.
func Render(body string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for _, k := range sortedKeys(vars) {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// Preview describes a simulated send. With a cached body the rendered text is shown,
// otherwise the variable list.
func Preview(body, templateID string, vars map[string]string) string {
	var b strings.Builder
	if body != "" {
		b.WriteString("DRY RUN - message preview\n\n")
		b.WriteString(Render(body, vars))
		b.WriteString("\n\n-------------------\nTemplate ID: ")
		b.WriteString(templateID)
		return b.String()
	}
	b.WriteString("DRY RUN - template message\n\nTemplate variables:\n")
	for _, k := range sortedKeys(vars) {
		fmt.Fprintf(&b, "   {{%s}}: %q\n", k, vars[k])
	}
	b.WriteString("\nTemplate ID: ")
	b.WriteString(templateID)
	b.WriteString("\n\nNote: template body not available.")
	return b.String()
}

// NotApprovedNote is the conversation-visible text left when a definite rejection blocks a send.
func NotApprovedNote(templateID string, a ApprovalResult) string {
	return fmt.Sprintf("Could not send template message\n\nReason: %s\n\nTemplate ID: %s\nStatus: %s\n\n"+
		"Action required: get the template approved in the Twilio Console before messages can be sent.",
		a.Reason, templateID, a.Status)
}

// sortedKeys orders numeric keys numerically.
func sortedKeys(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	return keys
}
