package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"kittybot/internal/chunker"
	"kittybot/internal/gateway"
	"kittybot/internal/plugins"
	"kittybot/internal/providers"
	"kittybot/internal/queue"
	"kittybot/internal/storage"
)

type run struct {
	e          *Engine
	id         string
	in         Inbound
	text       string
	settingsID string
	settings   storage.ChannelSettings
	log        zerolog.Logger
}

func (r *run) execute(ctx context.Context) (res Result) {
	res.State = StateReceived
	r.react(ctx, ReactionThinking, true)
	defer func() {
		r.react(ctx, ReactionThinking, false)
		if res.Outcome == OutcomeDelivered {
			r.react(ctx, ReactionDone, true)
		}
	}()

	if r.rateLimited(ctx) {
		res.Outcome = OutcomeLimited
		return res
	}

	model, cred, err := r.resolveModel(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoCredential) {
			r.log.Error().Err(err).Msg("resolve model failed")
			r.reply(ctx, r.in.ChannelID, gateway.ErrorText(err))
		}
		res.Outcome = OutcomeAborted
		return res
	}
	res.State = StateModelResolved

	if r.overBudget(ctx) {
		r.reply(ctx, r.in.ChannelID, BudgetText)
		res.Outcome = OutcomeLimited
		return res
	}

	usable, err := r.e.cfg.Catalog.Usable(ctx, r.in.AuthorID, r.settings.Plugins, r.e.cfg.Credentials)
	if err != nil {
		r.log.Warn().Err(err).Msg("plugin access check failed, continuing without plugins")
		usable = nil
	}
	res.State = StatePluginAccessResolved

	dest, history := r.destination(ctx, cred)
	history = r.e.cfg.Compressor.Compress(ctx, history, cred)
	res.State = StateHistoryCompressed

	system := r.e.cfg.Composer.Compose(ctx, r.settingsID, r.settings, usable)
	res.State = StatePromptComposed

	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
		return res
	}

	turns := make([]providers.Message, 0, len(history)+2)
	turns = append(turns, providers.Message{Role: providers.RoleSystem, Content: system})
	turns = append(turns, history...)
	turns = append(turns, providers.Message{Role: providers.RoleUser, Content: r.text})

	reply := r.e.cfg.Model.Send(ctx, gateway.Request{
		Credential:  cred,
		Model:       model,
		Turns:       turns,
		Temperature: r.settings.Creativity,
	})
	res.State = StateModelInvoked
	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
		return res
	}

	var (
		delivered []string
		tokens    int
	)
	if reply.Streamed() {
		delivered, tokens, err = r.deliverStream(ctx, dest, model, turns, reply, usable, &res)
	} else {
		delivered, tokens, err = r.deliverComplete(ctx, dest, reply, usable, &res)
	}
	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
		return res
	}
	if err != nil {
		r.log.Error().Err(err).Msg("delivery failed")
		res.Outcome = OutcomeAborted
		return res
	}
	res.Delivered = delivered
	res.State = StateDelivered
	res.Outcome = OutcomeDelivered

	r.publishUsage(ctx, model, tokens)
	if r.settings.Debug {
		r.reply(ctx, dest, r.debugFooter(model, tokens, usable))
	}
	return res
}

func (r *run) deliverComplete(ctx context.Context, dest string, reply gateway.Reply, usable []plugins.Entry, res *Result) ([]string, int, error) {
	text := reply.Text
	if reply.Err == nil {
		text = r.e.cfg.Dispatcher.Dispatch(ctx, r.in.AuthorID, text, usable)
	}
	res.State = StatePluginsDispatched
	if strings.TrimSpace(text) == "" {
		text = emptyReplyText
	}

	chunks := chunker.Split(text, r.e.cfg.MessageMaxLength)
	res.State = StateChunked
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if _, err := r.e.cfg.Platform.Send(ctx, dest, c); err != nil {
			return nil, 0, fmt.Errorf("send chunk: %w", err)
		}
	}
	return chunks, reply.TokensUsed, nil
}

// deliverStream renders fragments as they arrive, then rewrites the sent
// messages when plugin results changed the text.
func (r *run) deliverStream(ctx context.Context, dest, model string, turns []providers.Message, reply gateway.Reply, usable []plugins.Entry, res *Result) ([]string, int, error) {
	stream := chunker.NewStream(sink{p: r.e.cfg.Platform, channelID: dest}, r.e.cfg.MessageMaxLength)

	var streamErr error
	for frag := range reply.Fragments {
		if frag.Err != nil {
			streamErr = frag.Err
			break
		}
		if err := stream.Write(ctx, frag.Text); err != nil {
			return nil, 0, fmt.Errorf("stream chunk: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	full, err := stream.Close(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("close stream: %w", err)
	}

	var final string
	if streamErr != nil {
		r.log.Error().Err(streamErr).Msg("model stream failed")
		final = strings.TrimSpace(full + "\n" + gateway.ErrorText(streamErr))
	} else {
		final = r.e.cfg.Dispatcher.Dispatch(ctx, r.in.AuthorID, full, usable)
	}
	res.State = StatePluginsDispatched
	if strings.TrimSpace(final) == "" {
		final = emptyReplyText
	}

	chunks := chunker.Split(final, r.e.cfg.MessageMaxLength)
	res.State = StateChunked
	if final != full || len(stream.Handles()) == 0 {
		if err := stream.Replace(ctx, chunks); err != nil {
			return nil, 0, fmt.Errorf("replace streamed chunks: %w", err)
		}
	}

	tokens := r.e.cfg.Counter.Count(model, full)
	for _, t := range turns {
		tokens += r.e.cfg.Counter.Count(model, t.Content)
	}
	return stream.Messages(), tokens, nil
}

// resolveModel returns the model and credential for the run. The channel's
// model wins over the user's own default.
func (r *run) resolveModel(ctx context.Context) (string, string, error) {
	cred, err := r.e.cfg.Credentials.Get(ctx, r.in.AuthorID, r.e.cfg.CredentialKey)
	if err != nil {
		return "", "", fmt.Errorf("load credential: %w", err)
	}
	us, err := r.e.cfg.Settings.UserSettings(ctx, r.in.AuthorID)
	if err != nil {
		r.log.Warn().Err(err).Msg("load user settings failed")
	}

	if cred == "" {
		if !us.Informed {
			r.notify(ctx, NoKeyText)
			if err := r.e.cfg.Settings.MarkInformed(ctx, r.in.AuthorID); err != nil {
				r.log.Warn().Err(err).Msg("persist informed flag failed")
			}
		}
		r.log.Info().Msg("no model credential, run aborted")
		return "", "", ErrNoCredential
	}

	switch {
	case r.settings.Model != "":
		return r.settings.Model, cred, nil
	case us.Model != "":
		return us.Model, cred, nil
	default:
		return r.e.cfg.DefaultModel, cred, nil
	}
}

func (r *run) rateLimited(ctx context.Context) bool {
	if r.e.cfg.Limiter == nil {
		return false
	}
	ok, used, resetAt, err := r.e.cfg.Limiter.Allow(ctx, r.in.AuthorID, r.e.cfg.Now())
	if err != nil {
		r.log.Warn().Err(err).Msg("rate limit check failed, allowing")
		return false
	}
	if ok {
		return false
	}
	r.log.Info().Int64("used", used).Msg("hourly request limit reached")
	r.reply(ctx, r.in.ChannelID, fmt.Sprintf("You reached the hourly request limit. Try again after %s UTC.", resetAt.UTC().Format("15:04")))
	return true
}

func (r *run) overBudget(ctx context.Context) bool {
	limit := r.e.cfg.MonthlyTokenLimit
	if limit <= 0 {
		return false
	}
	totals, err := r.e.cfg.Settings.Usage(ctx, r.in.AuthorID)
	if err != nil {
		r.log.Warn().Err(err).Msg("usage lookup failed, allowing")
		return false
	}
	return totals.MonthlyTokens >= limit
}

// destination opens a thread for top-level guild messages. Inside threads
// and direct chats the recent messages become history.
func (r *run) destination(ctx context.Context, cred string) (string, []providers.Message) {
	if r.in.StartThread && !r.in.IsDirect {
		title := r.title(ctx, cred)
		id, err := r.e.cfg.Platform.StartThread(ctx, r.in.ChannelID, r.in.MessageID, title)
		if err != nil {
			r.log.Warn().Err(err).Msg("start thread failed, replying in channel")
			return r.in.ChannelID, nil
		}
		return id, nil
	}
	if !r.in.InThread && !r.in.IsDirect {
		return r.in.ChannelID, nil
	}

	turns, err := r.e.cfg.Platform.RecentTurns(ctx, r.in.ChannelID, r.in.MessageID, r.e.cfg.HistoryFetchLimit)
	if err != nil {
		r.log.Warn().Err(err).Msg("fetch history failed")
		return r.in.ChannelID, nil
	}
	if depth := r.settings.HistoryDepth; depth > 0 && len(turns) > depth {
		turns = turns[len(turns)-depth:]
	}
	return r.in.ChannelID, turns
}

func (r *run) title(ctx context.Context, cred string) string {
	reply := r.e.cfg.Model.Send(ctx, gateway.Request{
		Credential: cred,
		Model:      r.e.cfg.CheapModel,
		Turns: []providers.Message{
			{Role: providers.RoleSystem, Content: headlinePrompt},
			{Role: providers.RoleUser, Content: r.text},
		},
		MaxTokens:   50,
		Temperature: 0,
		Complete:    true,
	})
	title := strings.TrimSpace(reply.Text)
	if reply.Err != nil || title == "" {
		title = r.text
	}
	title = strings.Join(strings.Fields(strings.Trim(title, `"`)), " ")
	return Truncate(title, r.e.cfg.TitleMaxLength)
}

func (r *run) publishUsage(ctx context.Context, model string, tokens int) {
	if r.e.cfg.Usage == nil || tokens <= 0 {
		return
	}
	ev := queue.UsageEvent{
		RunID:  r.id,
		UserID: r.in.AuthorID,
		Model:  model,
		Tokens: int64(tokens),
		At:     r.e.cfg.Now().UTC(),
	}
	if _, err := r.e.cfg.Usage.Publish(ctx, ev); err != nil {
		r.log.Error().Err(err).Int("tokens", tokens).Msg("publish usage event failed")
	}
}

func (r *run) debugFooter(model string, tokens int, usable []plugins.Entry) string {
	names := make([]string, 0, len(usable))
	for _, e := range usable {
		names = append(names, e.Name)
	}
	pl := "none"
	if len(names) > 0 {
		pl = strings.Join(names, ", ")
	}
	return fmt.Sprintf("`model %s | tokens %d | plugins %s | run %s`", model, tokens, pl, r.id)
}

func (r *run) reply(ctx context.Context, channelID, text string) {
	if _, err := r.e.cfg.Platform.Send(ctx, channelID, text); err != nil {
		r.log.Error().Err(err).Msg("send reply failed")
	}
}

// notify tells the author privately, falling back to the channel when the
// platform cannot reach them directly.
func (r *run) notify(ctx context.Context, text string) {
	if dm, ok := r.e.cfg.Platform.(DirectMessenger); ok {
		err := dm.SendDirect(ctx, r.in.AuthorID, text)
		if err == nil {
			return
		}
		r.log.Warn().Err(err).Msg("direct message failed, replying in channel")
	}
	r.reply(ctx, r.in.ChannelID, text)
}

// react is cosmetic; it keeps working after the run is cancelled.
func (r *run) react(ctx context.Context, reaction Reaction, add bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if add {
		err = r.e.cfg.Platform.React(ctx, r.in.ChannelID, r.in.MessageID, reaction)
	} else {
		err = r.e.cfg.Platform.Unreact(ctx, r.in.ChannelID, r.in.MessageID, reaction)
	}
	if err != nil {
		r.log.Debug().Err(err).Bool("add", add).Msg("reaction failed")
	}
}

// Truncate shortens s to max runes, ending with "..." when cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
