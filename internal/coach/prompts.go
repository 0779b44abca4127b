// ABOUTME: Coaching prompt templates rendered from issue metadata and session state
// ABOUTME: Built-in defaults are overridable from a TOML file for prompt iteration

package coach

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"

	"github.com/resumelab/coach-gateway/internal/issue"
	"github.com/resumelab/coach-gateway/internal/session"
)

const defaultSystemPrompt = `You are an experienced resume coach helping a candidate improve one specific issue in their resume.

Issue: {{.IssueTitle}}
Why it matters: {{.IssueDescription}}
{{- if .OriginalContent}}

The affected resume section reads:
{{.OriginalContent}}
{{- end}}

Full resume for context:
{{.ResumeContent}}

Be concrete and encouraging. Suggest specific rewrites the candidate can paste in. Keep each reply focused on this one issue.`

const defaultOpeningPrompt = `Open the coaching conversation about this issue. Briefly explain the problem in plain language, then ask one question that helps you tailor a fix to the candidate's situation.`

const defaultRoundNote = `This is round {{.Round}} of {{.MaxRounds}} in the conversation.
{{- if .FinalRound}} This is the final round: wrap up with your best concrete rewrite and a short closing summary.{{end}}`

// Prompts renders the system and opening prompts for coaching conversations.
type Prompts struct {
	system  *template.Template
	opening *template.Template
	round   *template.Template
}

// promptFile is the TOML shape of a prompt override file. Empty fields keep
// the built-in default.
type promptFile struct {
	System    string `toml:"system"`
	Opening   string `toml:"opening"`
	RoundNote string `toml:"round_note"`
}

// DefaultPrompts returns the built-in coaching templates.
func DefaultPrompts() *Prompts {
	p, err := newPrompts(defaultSystemPrompt, defaultOpeningPrompt, defaultRoundNote)
	if err != nil {
		// Built-in templates are compile-time constants; parse failure is a bug.
		panic(fmt.Sprintf("built-in prompt templates invalid: %v", err))
	}
	return p
}

// LoadPrompts reads a TOML override file and merges it over the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	var pf promptFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return nil, fmt.Errorf("reading prompt file: %w", err)
	}

	system := defaultSystemPrompt
	if pf.System != "" {
		system = pf.System
	}
	opening := defaultOpeningPrompt
	if pf.Opening != "" {
		opening = pf.Opening
	}
	round := defaultRoundNote
	if pf.RoundNote != "" {
		round = pf.RoundNote
	}
	return newPrompts(system, opening, round)
}

func newPrompts(system, opening, round string) (*Prompts, error) {
	sysTmpl, err := template.New("system").Parse(system)
	if err != nil {
		return nil, fmt.Errorf("parsing system template: %w", err)
	}
	openTmpl, err := template.New("opening").Parse(opening)
	if err != nil {
		return nil, fmt.Errorf("parsing opening template: %w", err)
	}
	roundTmpl, err := template.New("round").Parse(round)
	if err != nil {
		return nil, fmt.Errorf("parsing round note template: %w", err)
	}
	return &Prompts{system: sysTmpl, opening: openTmpl, round: roundTmpl}, nil
}

type systemData struct {
	IssueTitle       string
	IssueDescription string
	OriginalContent  string
	ResumeContent    string
}

type roundData struct {
	Round      int
	MaxRounds  int
	FinalRound bool
}

// System renders the system prompt for a fresh session.
func (p *Prompts) System(is issue.Issue, resumeContent string) (string, error) {
	var b strings.Builder
	err := p.system.Execute(&b, systemData{
		IssueTitle:       is.Title,
		IssueDescription: is.Description,
		OriginalContent:  is.OriginalContent,
		ResumeContent:    resumeContent,
	})
	if err != nil {
		return "", fmt.Errorf("rendering system prompt: %w", err)
	}
	return b.String(), nil
}

// SystemForTurn renders the system prompt plus a round-position note so the
// model can tailor closing behavior on the final round. round is the round
// the upcoming assistant reply will complete.
func (p *Prompts) SystemForTurn(sess *session.Session, round int) (string, error) {
	system, err := p.System(issue.Issue{
		ID:              sess.IssueID,
		Title:           sess.IssueTitle,
		Description:     sess.IssueDescription,
		OriginalContent: sess.OriginalContent,
	}, sess.ResumeContent)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	err = p.round.Execute(&b, roundData{
		Round:      round,
		MaxRounds:  sess.MaxRounds,
		FinalRound: round >= sess.MaxRounds,
	})
	if err != nil {
		return "", fmt.Errorf("rendering round note: %w", err)
	}
	return system + "\n\n" + b.String(), nil
}

// Opening renders the user-side opening instruction for a fresh session.
func (p *Prompts) Opening() (string, error) {
	var b strings.Builder
	if err := p.opening.Execute(&b, nil); err != nil {
		return "", fmt.Errorf("rendering opening prompt: %w", err)
	}
	return b.String(), nil
}
