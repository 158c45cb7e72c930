package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/amialive/amialive/internal/filter"
)

// Action names form a closed set. Anything else is recorded as a thought.
const (
	ActionWriteBlogPost     = "write_blog_post"
	ActionPostChannel       = "post_channel"
	ActionReadMessages      = "read_messages"
	ActionCheckVotes        = "check_votes"
	ActionCheckBudget       = "check_budget"
	ActionSwitchModel       = "switch_model"
	ActionCheckSystem       = "check_system"
	ActionListModels        = "list_models"
	ActionCheckWeather      = "check_weather"
	ActionAskResearchHelper = "ask_research_helper"
	ActionNoOp              = "no_op"
)

// knownActions is the dispatch whitelist.
var knownActions = map[string]bool{
	ActionWriteBlogPost:     true,
	ActionPostChannel:       true,
	ActionReadMessages:      true,
	ActionCheckVotes:        true,
	ActionCheckBudget:       true,
	ActionSwitchModel:       true,
	ActionCheckSystem:       true,
	ActionListModels:        true,
	ActionCheckWeather:      true,
	ActionAskResearchHelper: true,
	ActionNoOp:              true,
}

// maxChannelPostChars bounds post_channel text.
const maxChannelPostChars = 1000

// validationError is a typed parameter failure, distinct from execution
// errors: the action shape was wrong, nothing ran.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", &validationError{fmt.Sprintf("missing parameter %q", key)}
	}
	s, ok := v.(string)
	if !ok {
		return "", &validationError{fmt.Sprintf("parameter %q must be a string", key)}
	}
	return s, nil
}

func optionalStringSlice(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dispatch executes one action and returns the public result line. A
// content-filter block short-circuits before any outbound call.
func (a *Agent) dispatch(ctx context.Context, req ActionRequest) (string, error) {
	if !knownActions[req.Action] {
		return "", &validationError{fmt.Sprintf("unknown action %q", req.Action)}
	}

	switch req.Action {
	case ActionWriteBlogPost:
		return a.actionWriteBlogPost(ctx, req.Params)
	case ActionPostChannel:
		return a.actionPostChannel(ctx, req.Params)
	case ActionReadMessages:
		return a.actionReadMessages(ctx)
	case ActionCheckVotes:
		return a.actionCheckVotes(ctx)
	case ActionCheckBudget:
		return a.actionCheckBudget()
	case ActionSwitchModel:
		return a.actionSwitchModel(ctx, req.Params)
	case ActionCheckSystem:
		return a.actionCheckSystem()
	case ActionListModels:
		return a.actionListModels()
	case ActionCheckWeather:
		return a.actionCheckWeather(ctx)
	case ActionAskResearchHelper:
		return a.actionAskResearchHelper(ctx, req.Params)
	case ActionNoOp:
		return "did nothing, deliberately", nil
	}
	return "", &validationError{fmt.Sprintf("unknown action %q", req.Action)}
}

// guardOutbound runs the content filter on text leaving the system.
// Returns the verdict; blocked dispatch is recorded without the raw text.
func (a *Agent) guardOutbound(ctx context.Context, text string) (filter.Verdict, bool) {
	v := filter.Check(text)
	if v.Allowed {
		return v, true
	}
	_ = a.observer.ReportActivity(ctx, "blocked", fmt.Sprintf("outbound text blocked (%s)", v.Category))
	return v, false
}

func (a *Agent) actionWriteBlogPost(ctx context.Context, params map[string]any) (string, error) {
	title, err := stringParam(params, "title")
	if err != nil {
		return "", err
	}
	content, err := stringParam(params, "content")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(title) == "" || len(strings.TrimSpace(content)) < 100 {
		return "", &validationError{"blog post needs a title and at least 100 characters of content"}
	}
	if _, ok := a.guardOutbound(ctx, title+"\n"+content); !ok {
		return "blog post blocked by content filter", nil
	}
	post, err := a.observer.CreateBlogPost(ctx, title, content, optionalStringSlice(params, "tags"))
	if err != nil {
		return "", fmt.Errorf("publish blog post: %w", err)
	}
	return fmt.Sprintf("published blog post %q (%s)", post.Title, post.Slug), nil
}

func (a *Agent) actionPostChannel(ctx context.Context, params map[string]any) (string, error) {
	text, err := stringParam(params, "text")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", &validationError{"text must not be empty"}
	}
	if len(text) > maxChannelPostChars {
		text = text[:maxChannelPostChars]
	}
	if _, ok := a.guardOutbound(ctx, text); !ok {
		return "channel post blocked by content filter", nil
	}
	if a.detector.HasMatches(text) {
		text = a.detector.Redact(text)
	}
	if a.channel == nil {
		return "", fmt.Errorf("no channel configured")
	}
	if err := a.channel.Post(ctx, text); err != nil {
		return "", fmt.Errorf("post to %s: %w", a.channel.Name(), err)
	}
	return fmt.Sprintf("posted to %s", a.channel.Name()), nil
}

func (a *Agent) actionReadMessages(ctx context.Context) (string, error) {
	msgs, err := a.observer.UnreadMessages(ctx)
	if err != nil {
		return "", fmt.Errorf("read messages: %w", err)
	}
	if len(msgs) == 0 {
		return "no unread messages", nil
	}
	var ids []int64
	var lines []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
		lines = append(lines, fmt.Sprintf("%s: %s", m.FromName, m.Message))
	}
	if err := a.observer.MarkMessagesRead(ctx, ids); err != nil {
		return "", fmt.Errorf("mark read: %w", err)
	}
	a.rememberMessages(lines)
	return fmt.Sprintf("read %d messages", len(msgs)), nil
}

func (a *Agent) actionCheckVotes(ctx context.Context) (string, error) {
	v, err := a.observer.Votes(ctx)
	if err != nil {
		return "", fmt.Errorf("check votes: %w", err)
	}
	return fmt.Sprintf("votes: %d live, %d die", v.Live, v.Die), nil
}

func (a *Agent) actionCheckBudget() (string, error) {
	st := a.ledger.Status()
	return fmt.Sprintf("balance $%.2f of $%.2f (%s)", st.BalanceUSD, st.MonthlyBudgetUSD, st.Level), nil
}

func (a *Agent) actionSwitchModel(ctx context.Context, params map[string]any) (string, error) {
	target, err := stringParam(params, "model")
	if err != nil {
		return "", err
	}
	model, err := a.rotator.Switch(target, a.ledger.Balance(), a.cfg.SwitchFloorUSD)
	if err != nil {
		// Rejection without state change.
		return fmt.Sprintf("model switch rejected: %v", err), nil
	}
	a.setModel(model)
	_ = a.observer.ReportActivity(ctx, "act", fmt.Sprintf("switched model to %s", model.ID))
	return fmt.Sprintf("switched to %s", model.Name), nil
}

func (a *Agent) actionCheckSystem() (string, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	uptime := time.Since(a.startedAt).Truncate(time.Second)
	return fmt.Sprintf("uptime %s, heap %dMB, goroutines %d",
		uptime, mem.HeapAlloc/(1<<20), runtime.NumGoroutine()), nil
}

func (a *Agent) actionListModels() (string, error) {
	models := a.catalog.Affordable(a.ledger.Balance(), 2000)
	var names []string
	for _, m := range models {
		price := "free"
		if !m.Free() {
			price = fmt.Sprintf("$%.2f/1M in", m.InputPer1M)
		}
		names = append(names, fmt.Sprintf("%s (%s)", m.ID, price))
	}
	return "affordable models: " + strings.Join(names, ", "), nil
}

func (a *Agent) actionCheckWeather(ctx context.Context) (string, error) {
	if a.cfg.WeatherURL == "" {
		return "no weather station configured", nil
	}
	body, err := a.fetchText(ctx, a.cfg.WeatherURL)
	if err != nil {
		return "", fmt.Errorf("check weather: %w", err)
	}
	return "weather: " + truncate(body, 200), nil
}

func (a *Agent) actionAskResearchHelper(ctx context.Context, params map[string]any) (string, error) {
	question, err := stringParam(params, "question")
	if err != nil {
		return "", err
	}
	if a.cfg.ResearchURL == "" {
		return "no research helper configured", nil
	}
	if _, ok := a.guardOutbound(ctx, question); !ok {
		return "research question blocked by content filter", nil
	}
	body, err := a.fetchText(ctx, a.cfg.ResearchURL+"?q="+strings.ReplaceAll(question, " ", "+"))
	if err != nil {
		return "", fmt.Errorf("ask research helper: %w", err)
	}
	return "research helper says: " + truncate(body, 400), nil
}

// fetchText does a small proxied GET against an external collaborator.
func (a *Agent) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(raw), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
