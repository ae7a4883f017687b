package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/assessor/internal/model"
)

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	loadOnce     sync.Once
	loadErr      error
	generateTmpl *template.Template
	evaluateTmpl *template.Template
)

// GenerateData holds template data for question generation prompts.
type GenerateData struct {
	Title      string
	Category   string
	Difficulty model.Difficulty
	Count      int
}

// EvaluateData holds template data for evaluation prompts.
type EvaluateData struct {
	QuestionText string
	Difficulty   model.Difficulty
	Points       int
	Tone         string
	Answer       string
}

func load() error {
	loadOnce.Do(func() {
		generateTmpl, loadErr = parse("templates/generate.txt")
		if loadErr != nil {
			return
		}
		evaluateTmpl, loadErr = parse("templates/evaluate.txt")
	})
	return loadErr
}

func parse(name string) (*template.Template, error) {
	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// BuildGeneratePrompt builds the question generation prompt.
func BuildGeneratePrompt(req model.GenerateRequest) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = model.DifficultyMedium
	}
	return execute(generateTmpl, GenerateData{
		Title:      req.Title,
		Category:   req.Category,
		Difficulty: difficulty,
		Count:      max(req.QuestionCount, 1),
	})
}

// BuildEvaluatePrompt builds the free-text evaluation prompt. The prompt carries
// the question, the persona tone and the answer; never a reference answer.
func BuildEvaluatePrompt(req model.EvaluateRequest) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = model.DifficultyMedium
	}
	return execute(evaluateTmpl, EvaluateData{
		QuestionText: req.Question,
		Difficulty:   difficulty,
		Points:       req.Points,
		Tone:         req.Personality.Info().Tone,
		Answer:       sanitizeAnswer(req.Answer),
	})
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
