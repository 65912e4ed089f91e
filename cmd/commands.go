package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suizoe-cosine/huaer/core/chat"
	coreerrors "github.com/suizoe-cosine/huaer/core/errors"
	"github.com/suizoe-cosine/huaer/core/persona"
	"github.com/suizoe-cosine/huaer/core/session"
)

const commandHelp = `Commands:
  /recall                       remove the last exchange
  /memory show|clear            show or clear the dialogue memory
  /memory user|assistant <text> add a message to memory
  /reasoning /search /rag       toggle reasoning display, web search, retrieval
  /ssin /allin                  toggle storing search results, storing every turn
  /models                       list models
  /model <n>                    select model n
  /doc add|del <text>           insert or delete a document
  /doc show|save|clear          list, save or clear documents
  /persona set <text>           replace the persona and clear memory
  /persona save|load <name> [public]
  /persona list                 list saved personas
  /config save|load|reset       persist, reload or reset this context
  /help                         show this help
  /quit                         leave`

// replSession binds the REPL to one context.
type replSession struct {
	app        *app
	key        session.Key
	sender     string
	privileged bool
}

// handle answers one input line. The second result is false once the user
// asks to leave.
func (s *replSession) handle(ctx context.Context, line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true
	}
	if !strings.HasPrefix(line, "/") {
		return s.app.groups.HandleTurn(ctx, s.key, chat.Turn{
			Utterance:  line,
			Sender:     s.sender,
			Privileged: s.privileged,
		}), true
	}

	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	rest = strings.TrimSpace(rest)
	if name == "quit" || name == "exit" {
		return "", false
	}

	st, err := s.app.groups.Get(ctx, s.key)
	if err != nil {
		s.app.logger.Error("context unavailable", "context", s.key, "error", err)
		return coreerrors.MsgSystemAnomaly, true
	}
	orch := s.app.groups.Orchestrator()

	switch name {
	case "help":
		return commandHelp, true
	case "recall":
		return orch.Recall(ctx, st, s.privileged), true
	case "memory":
		return s.memory(ctx, st, rest), true
	case "reasoning":
		return orch.ToggleReasoning(st), true
	case "search":
		return orch.ToggleSearch(st), true
	case "rag":
		return orch.ToggleRetrieval(ctx, st), true
	case "ssin":
		return orch.ToggleStoreSearchResults(st), true
	case "allin":
		return orch.ToggleStoreAllTurns(st), true
	case "models":
		return orch.Models(), true
	case "model":
		return orch.SelectModel(st, rest), true
	case "doc":
		return s.documents(ctx, st, rest), true
	case "persona":
		return s.persona(ctx, st, rest), true
	case "config":
		return s.config(ctx, rest), true
	}
	return "Unknown command, try /help.", true
}

func (s *replSession) memory(ctx context.Context, st *session.State, args string) string {
	orch := s.app.groups.Orchestrator()
	sub, text, _ := strings.Cut(args, " ")
	switch sub {
	case "show", "":
		return chat.DescribeMemory(st)
	case "clear":
		return orch.ClearMemory(ctx, st)
	}
	role, ok := session.ParseRole(sub)
	if !ok || role == session.RoleSystem {
		return "Usage: /memory user|assistant <text>"
	}
	return orch.AddMemory(ctx, st, role, text)
}

func (s *replSession) documents(ctx context.Context, st *session.State, args string) string {
	orch := s.app.groups.Orchestrator()
	sub, text, _ := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	switch sub {
	case "add", "del":
		if text == "" {
			return chat.MsgEnterText
		}
		if sub == "add" {
			return orch.InsertDocuments(ctx, st, []string{text})
		}
		return orch.DeleteDocuments(ctx, st, []string{text})
	case "show", "":
		return orch.DescribeDocuments(ctx, st)
	case "save":
		return orch.SaveDocuments(ctx, st)
	case "clear":
		return orch.ClearDocuments(ctx, st)
	}
	return "Usage: /doc add|del <text> or /doc show|save|clear"
}

func (s *replSession) persona(ctx context.Context, st *session.State, args string) string {
	personas := s.app.groups.Personas()
	sub, rest, _ := strings.Cut(args, " ")
	rest = strings.TrimSpace(rest)

	switch sub {
	case "set":
		if rest == "" {
			return chat.MsgEnterText
		}
		if err := personas.Switch(ctx, st, rest); err != nil {
			return personaMessage(err, st)
		}
		return "Persona switched, memory cleared."
	case "save", "load":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return chat.MsgEnterText
		}
		scope := persona.ScopePrivate
		if len(fields) > 1 {
			sc, ok := persona.ParseScope(fields[1])
			if !ok {
				return "Scope must be private or public."
			}
			scope = sc
		}
		if sub == "save" {
			if err := personas.Save(ctx, st, fields[0], scope); err != nil {
				return personaMessage(err, st)
			}
			return fmt.Sprintf("Persona %s saved (%s).", fields[0], scope)
		}
		if err := personas.Load(ctx, st, fields[0], scope); err != nil {
			return personaMessage(err, st)
		}
		return fmt.Sprintf("Persona %s loaded (%s).", fields[0], scope)
	case "list", "":
		listing, err := personas.List(st)
		if err != nil {
			s.app.logger.Error("list personas", "context", st.Key(), "error", err)
			return coreerrors.MsgSystemAnomaly
		}
		return describeListing(listing)
	}
	return "Usage: /persona set <text> | save|load <name> [public] | list"
}

func (s *replSession) config(ctx context.Context, sub string) string {
	var err error
	switch sub {
	case "save":
		err = s.app.groups.Save(ctx, s.key)
	case "load":
		err = s.app.groups.Load(ctx, s.key)
	case "reset":
		err = s.app.groups.Reset(ctx, s.key)
	default:
		return "Usage: /config save|load|reset"
	}
	if err != nil {
		s.app.logger.Error("config "+sub+" failed", "context", s.key, "error", err)
		return coreerrors.UserMessage(err)
	}
	return "Config " + sub + " done."
}

// personaMessage maps persona failures onto reply text.
func personaMessage(err error, st *session.State) string {
	switch {
	case errors.Is(err, session.ErrPersonaTooLong):
		return fmt.Sprintf("Persona is longer than %d characters.", st.Limits().MaxTokens)
	case errors.Is(err, persona.ErrInvalidName):
		return "Persona names cannot contain path separators."
	case errors.Is(err, persona.ErrPersonaExists):
		return coreerrors.MsgConflict
	case errors.Is(err, persona.ErrPersonaNotFound):
		return coreerrors.MsgNotFound
	case errors.Is(err, persona.ErrPersonaCorrupt):
		return "The persona record is damaged."
	}
	return coreerrors.UserMessage(err)
}

func describeListing(l persona.Listing) string {
	if l.Empty() {
		return "No saved personas."
	}
	var b strings.Builder
	b.WriteString("Private personas:")
	for _, n := range l.Private {
		b.WriteString("\n  " + n)
	}
	b.WriteString("\nPublic personas:")
	for _, n := range l.Public {
		b.WriteString("\n  " + n)
	}
	return b.String()
}
