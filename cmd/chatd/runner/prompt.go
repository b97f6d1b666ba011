package runner

import (
	"strings"

	"github.com/parleyhq/parley/cmd/chatd/gateway"
	"github.com/parleyhq/parley/common/models"
)

// injection is one rendered prompt_time output awaiting assembly.
type injection struct {
	spec  *models.PromptTimeOutput
	value string
}

// assembleMain folds prompt_time injections from the before phase into the
// main completion inputs. append_after_last_user text follows the user
// message, system_update text extends the system prompt, and
// insert_at_depth splices a message that many turns back from the end of
// the history.
func assembleMain(userMessage string, history []gateway.Message, injections []injection) (system string, messages []gateway.Message, content string) {
	content = userMessage
	messages = append(messages, history...)

	var systemParts []string
	for _, inj := range injections {
		if inj.spec == nil || inj.value == "" {
			continue
		}
		switch inj.spec.Mode {
		case models.PromptSystemUpdate:
			systemParts = append(systemParts, inj.value)
		case models.PromptAppendAfterLastUser:
			content = content + "\n\n" + inj.value
		case models.PromptInsertAtDepth:
			messages = insertAtDepth(messages, inj.spec, inj.value)
		}
	}

	system = strings.Join(systemParts, "\n\n")
	return system, messages, content
}

// tailHistory keeps the most recent limit messages. A limit of zero or
// less means unbounded.
func tailHistory(history []gateway.Message, limit int) []gateway.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// insertAtDepth splices a message depth turns back from the end of the
// history. Depth 0 appends; depths past the start clamp to the front.
func insertAtDepth(messages []gateway.Message, spec *models.PromptTimeOutput, value string) []gateway.Message {
	role := spec.Role
	if role == "" {
		role = "system"
	}
	pos := len(messages) - spec.Depth
	if pos < 0 {
		pos = 0
	}
	if pos > len(messages) {
		pos = len(messages)
	}

	out := make([]gateway.Message, 0, len(messages)+1)
	out = append(out, messages[:pos]...)
	out = append(out, gateway.Message{Role: role, Content: value})
	out = append(out, messages[pos:]...)
	return out
}
