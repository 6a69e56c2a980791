package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voicechat/internal/config"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/llm"
	"github.com/loqalabs/voicechat/internal/stt"
	"github.com/loqalabs/voicechat/internal/tts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTranscriber struct {
	result stt.Result
	calls  int
	paths  []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) stt.Result {
	f.calls++
	f.paths = append(f.paths, path)
	return f.result
}

type fakeCompleter struct {
	reply    string
	err      error
	calls    int
	lastSeen []conversation.Turn
	lastText string
}

func (f *fakeCompleter) Complete(_ context.Context, history []conversation.Turn, text string) llm.Completion {
	f.calls++
	f.lastSeen = history
	f.lastText = text
	if f.err != nil {
		return llm.Completion{Text: llm.Apology, Attempts: 3, Err: f.err}
	}
	return llm.Completion{Text: f.reply, Attempts: 1}
}

type fakeSynth struct {
	calls    int
	produced int
	err      error
	before   func()
}

func (f *fakeSynth) Speak(_ context.Context, sess tts.Session, text string) (tts.Clip, error) {
	f.calls++
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return tts.Clip{}, f.err
	}
	if sess.Cancelled() || text == "" {
		return tts.Clip{}, nil
	}
	f.produced++
	return tts.Clip{ID: "clip", Format: "mp3", Bytes: 10}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Type == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTypedTurnAppendsPair(t *testing.T) {
	completer := &fakeCompleter{reply: "Hi! How can I help?"}
	synth := &fakeSynth{}
	rec := &recorder{}
	p := New(&fakeTranscriber{}, completer, synth, discardLogger(), WithObserver(rec))
	sess := conversation.NewSession()

	out, err := p.Run(context.Background(), sess, TextInput("Hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	turns := sess.Conversation().Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0] != (conversation.Turn{Role: conversation.RoleUser, Text: "Hello"}) {
		t.Fatalf("unexpected user turn %+v", turns[0])
	}
	if turns[1].Role != conversation.RoleAssistant || turns[1].Text == "" {
		t.Fatalf("unexpected assistant turn %+v", turns[1])
	}
	if out.Reply != "Hi! How can I help?" || out.Clip == nil || out.Warning != "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.InputKey != 1 || sess.InputKey() != 1 {
		t.Fatalf("expected typed input to bump input key, got %d", out.InputKey)
	}
	if len(out.Conversation) != 2 {
		t.Fatalf("outcome should carry the full conversation, got %d turns", len(out.Conversation))
	}
	if want := []string{EventTurnStarted, EventStateChanged, EventStateChanged, EventTurnCompleted}; !equalStrings(rec.types(), want) {
		t.Fatalf("expected events %v, got %v", want, rec.types())
	}
}

func TestHistoryReplayedInOrder(t *testing.T) {
	completer := &fakeCompleter{reply: "ok"}
	p := New(&fakeTranscriber{}, completer, &fakeSynth{}, discardLogger())
	sess := conversation.NewSession()

	for i, text := range []string{"one", "two", "three"} {
		if _, err := p.Run(context.Background(), sess, TextInput(text)); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if len(completer.lastSeen) != 2*i {
			t.Fatalf("turn %d: expected %d history entries, got %d", i, 2*i, len(completer.lastSeen))
		}
		if completer.lastText != text {
			t.Fatalf("turn %d: expected new text %q last, got %q", i, text, completer.lastText)
		}
		if sess.Conversation().Len()%2 != 0 {
			t.Fatal("conversation length must stay even")
		}
	}
	if completer.lastSeen[0].Text != "one" || completer.lastSeen[2].Text != "two" {
		t.Fatalf("history out of order: %+v", completer.lastSeen)
	}
}

func TestBlankTextRejected(t *testing.T) {
	completer := &fakeCompleter{reply: "x"}
	p := New(&fakeTranscriber{}, completer, &fakeSynth{}, discardLogger())
	sess := conversation.NewSession()
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := p.Run(context.Background(), sess, TextInput(text)); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("text %q: expected ErrEmptyInput, got %v", text, err)
		}
	}
	if completer.calls != 0 || sess.Conversation().Len() != 0 || sess.InputKey() != 0 {
		t.Fatal("blank input must not reach the pipeline")
	}
}

func TestVoiceTurnUsesTranscript(t *testing.T) {
	transcriber := &fakeTranscriber{result: stt.Result{Kind: stt.KindOK, Text: "what time is it"}}
	completer := &fakeCompleter{reply: "Noon."}
	p := New(transcriber, completer, &fakeSynth{}, discardLogger())
	sess := conversation.NewSession()

	out, err := p.Run(context.Background(), sess, AudioInput("/tmp/in.wav", OriginRecorder, false))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Transcript != "what time is it" || completer.lastText != "what time is it" {
		t.Fatalf("transcript not forwarded: %+v", out)
	}
	if sess.Conversation().Len() != 2 {
		t.Fatalf("expected a pair, got %d turns", sess.Conversation().Len())
	}
	if out.InputKey != 0 {
		t.Fatalf("voice input must not bump the input key, got %d", out.InputKey)
	}
}

func TestRejectedTranscriptLeavesConversationUnchanged(t *testing.T) {
	kinds := []stt.Result{
		{Kind: stt.KindNoAudio},
		{Kind: stt.KindUnintelligible},
		{Kind: stt.KindUnavailable},
		{Kind: stt.KindFailed, Detail: "bad header"},
	}
	for _, res := range kinds {
		t.Run(res.Kind.String(), func(t *testing.T) {
			completer := &fakeCompleter{reply: "x"}
			synth := &fakeSynth{}
			rec := &recorder{}
			p := New(&fakeTranscriber{result: res}, completer, synth, discardLogger(), WithObserver(rec))
			sess := conversation.NewSession()
			sess.Conversation().AppendPair("earlier", "reply")

			out, err := p.Run(context.Background(), sess, AudioInput("/tmp/in.wav", OriginUpload, false))
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !out.Rejected || out.Warning != res.Message() {
				t.Fatalf("expected warning %q, got %+v", res.Message(), out)
			}
			if sess.Conversation().Len() != 2 {
				t.Fatalf("conversation changed: %d turns", sess.Conversation().Len())
			}
			if completer.calls != 0 || synth.calls != 0 {
				t.Fatal("completion and synthesis must be skipped")
			}
			if want := []string{EventTurnStarted, EventStateChanged, EventTranscriptRejected}; !equalStrings(rec.types(), want) {
				t.Fatalf("expected events %v, got %v", want, rec.types())
			}
		})
	}
}

func TestUnintelligibleWarning(t *testing.T) {
	p := New(&fakeTranscriber{result: stt.Result{Kind: stt.KindUnintelligible}}, &fakeCompleter{reply: "x"}, &fakeSynth{}, discardLogger())
	sess := conversation.NewSession()
	out, err := p.Run(context.Background(), sess, AudioInput("/tmp/in.wav", OriginMicrophone, false))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Warning != stt.MessageUnintelligible || sess.Conversation().Len() != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestDegradedCompletionStillRecorded(t *testing.T) {
	rec := &recorder{}
	completer := &fakeCompleter{err: &llm.APIError{StatusCode: 503, Message: "down"}}
	synth := &fakeSynth{}
	p := New(&fakeTranscriber{}, completer, synth, discardLogger(), WithObserver(rec))
	sess := conversation.NewSession()

	out, err := p.Run(context.Background(), sess, TextInput("Hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	turns := sess.Conversation().Turns()
	if len(turns) != 2 || turns[1].Text != llm.Apology {
		t.Fatalf("expected apology pair, got %+v", turns)
	}
	if !out.Degraded || out.Reply != llm.Apology {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if synth.calls != 1 {
		t.Fatal("apology should still be spoken")
	}
	want := []string{EventTurnStarted, EventStateChanged, EventCompletionDegraded, EventStateChanged, EventTurnCompleted}
	if !equalStrings(rec.types(), want) {
		t.Fatalf("expected events %v, got %v", want, rec.types())
	}
}

func TestExhaustedRetriesThroughClient(t *testing.T) {
	var delays []time.Duration
	cfg := config.Default().LLM
	cfg.TimeoutMS = 0
	client := llm.NewWithGenerator(generatorFunc(func(context.Context, llm.Request) (string, error) {
		return "", errors.New("connection refused")
	}), cfg, discardLogger(), llm.WithSleeper(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))
	p := New(&fakeTranscriber{}, client, &fakeSynth{}, discardLogger())
	sess := conversation.NewSession()

	out, err := p.Run(context.Background(), sess, TextInput("Hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != llm.Apology || out.Attempts != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if sess.Conversation().Len() != 2 {
		t.Fatalf("expected exactly one pair, got %d turns", sess.Conversation().Len())
	}
	var total time.Duration
	for _, d := range delays {
		total += d
	}
	if total != 7*time.Second {
		t.Fatalf("expected 7s total backoff, got %s", total)
	}
}

type generatorFunc func(ctx context.Context, req llm.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}

func TestCancelBeforeSynthesisSuppressesAudio(t *testing.T) {
	sess := conversation.NewSession()
	synth := &fakeSynth{before: sess.Cancel}
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "A long answer."}, synth, discardLogger())

	out, err := p.Run(context.Background(), sess, TextInput("Tell me a story"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if synth.produced != 0 || out.Clip != nil {
		t.Fatal("no audio should be produced after stop")
	}
	if sess.Conversation().Len() != 2 {
		t.Fatalf("text must still be recorded, got %d turns", sess.Conversation().Len())
	}
}

func TestStaleCancelClearedAtTurnStart(t *testing.T) {
	sess := conversation.NewSession()
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "ok"}, &fakeSynth{}, discardLogger())
	p.Stop(sess)
	out, err := p.Run(context.Background(), sess, TextInput("Hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Clip == nil {
		t.Fatal("a stop from the previous turn must not silence this one")
	}
}

func TestCancelWithRealSpeaker(t *testing.T) {
	sink, err := tts.NewFileSink(filepath.Join(t.TempDir(), "audio"))
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	sess := conversation.NewSession()
	factory := func() (tts.Engine, error) {
		return engineFunc(func(context.Context, string) (tts.Audio, error) {
			sess.Cancel()
			return tts.Audio{Format: tts.FormatMP3, Data: []byte("ID3")}, nil
		}), nil
	}
	speaker, err := tts.NewSpeaker(config.Default().TTS, factory, sink, discardLogger())
	if err != nil {
		t.Fatalf("speaker: %v", err)
	}
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "Sure."}, speaker, discardLogger())
	out, err := p.Run(context.Background(), sess, TextInput("Hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, _ := os.ReadDir(sink.Dir())
	if len(entries) != 0 || out.Clip != nil {
		t.Fatalf("expected no audio, found %d files", len(entries))
	}
	if sess.Conversation().Len() != 2 {
		t.Fatal("turn text must be recorded")
	}
}

type engineFunc func(ctx context.Context, text string) (tts.Audio, error)

func (f engineFunc) Synthesize(ctx context.Context, text string) (tts.Audio, error) { return f(ctx, text) }

func TestSynthesisFailureIsWarning(t *testing.T) {
	rec := &recorder{}
	synth := &fakeSynth{err: errors.New("engine crashed")}
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "ok"}, synth, discardLogger(), WithObserver(rec))
	sess := conversation.NewSession()

	out, err := p.Run(context.Background(), sess, TextInput("Hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Warning == "" || out.Reply != "ok" {
		t.Fatalf("expected warning with reply, got %+v", out)
	}
	if sess.Conversation().Len() != 2 {
		t.Fatal("synthesis failure must not roll back the turn")
	}
	if _, err := p.Run(context.Background(), sess, TextInput("Again")); err != nil {
		t.Fatalf("next turn blocked after synthesis failure: %v", err)
	}
	want := []string{EventTurnStarted, EventStateChanged, EventStateChanged, EventSpeechFailed, EventTurnCompleted}
	if got := rec.types()[:5]; !equalStrings(got, want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
}

func TestOverlappingTurnRejected(t *testing.T) {
	sess := conversation.NewSession()
	if !sess.TryBegin() {
		t.Fatal("expected to claim session")
	}
	tmp := filepath.Join(t.TempDir(), "upload.wav")
	if err := os.WriteFile(tmp, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "x"}, &fakeSynth{}, discardLogger())
	if _, err := p.Run(context.Background(), sess, AudioInput(tmp, OriginUpload, true)); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	if _, err := os.Stat(tmp); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temporary upload should be removed when the turn is refused")
	}
	sess.End()
}

func TestTemporaryAudioRemovedAfterTranscription(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "voicechat_in_1.wav")
	if err := os.WriteFile(tmp, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	transcriber := &fakeTranscriber{result: stt.Result{Kind: stt.KindOK, Text: "hi"}}
	p := New(transcriber, &fakeCompleter{reply: "hello"}, &fakeSynth{}, discardLogger())
	if _, err := p.Run(context.Background(), conversation.NewSession(), AudioInput(tmp, OriginRecorder, true)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if transcriber.paths[0] != tmp {
		t.Fatalf("unexpected transcribed path %v", transcriber.paths)
	}
	if _, err := os.Stat(tmp); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temporary audio should be removed")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "ok"}, &fakeSynth{}, discardLogger())
	a := conversation.NewSession()
	b := conversation.NewSession()

	var wg sync.WaitGroup
	for _, sess := range []*conversation.Session{a, b} {
		wg.Add(1)
		go func(sess *conversation.Session) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := p.Run(context.Background(), sess, TextInput("hi")); err != nil {
					t.Errorf("run: %v", err)
				}
			}
		}(sess)
	}
	wg.Wait()
	if a.Conversation().Len() != 10 || b.Conversation().Len() != 10 {
		t.Fatalf("unexpected lengths %d %d", a.Conversation().Len(), b.Conversation().Len())
	}
}

func TestResetTwiceIsEmpty(t *testing.T) {
	rec := &recorder{}
	p := New(&fakeTranscriber{}, &fakeCompleter{reply: "ok"}, &fakeSynth{}, discardLogger(), WithObserver(rec))
	sess := conversation.NewSession()
	if _, err := p.Run(context.Background(), sess, TextInput("Hello")); err != nil {
		t.Fatalf("run: %v", err)
	}
	p.Reset(context.Background(), sess)
	if sess.Conversation().Len() != 0 {
		t.Fatal("expected empty conversation after reset")
	}
	p.Reset(context.Background(), sess)
	if sess.Conversation().Len() != 0 {
		t.Fatal("expected empty conversation after second reset")
	}
	if sess.InputKey() != 3 {
		t.Fatalf("expected input key 3 after one typed turn and two resets, got %d", sess.InputKey())
	}
	types := rec.types()
	if types[len(types)-1] != EventConversationReset {
		t.Fatalf("expected reset event, got %v", types)
	}
}

func TestStateChangesReported(t *testing.T) {
	cases := []struct {
		name   string
		result stt.Result
		input  Input
		want   []State
	}{
		{"typed", stt.Result{}, TextInput("Hello"), []State{StateCompleting, StateSynthesizing}},
		{"voice", stt.Result{Kind: stt.KindOK, Text: "hi"}, AudioInput("/tmp/in.wav", OriginRecorder, false), []State{StateTranscribing, StateCompleting, StateSynthesizing}},
		{"rejected", stt.Result{Kind: stt.KindUnintelligible}, AudioInput("/tmp/in.wav", OriginUpload, false), []State{StateTranscribing}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			p := New(&fakeTranscriber{result: tc.result}, &fakeCompleter{reply: "ok"}, &fakeSynth{}, discardLogger(), WithObserver(rec))
			if _, err := p.Run(context.Background(), conversation.NewSession(), tc.input); err != nil {
				t.Fatalf("run: %v", err)
			}
			got := rec.states()
			if len(got) != len(tc.want) {
				t.Fatalf("expected states %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected states %v, got %v", tc.want, got)
				}
			}
		})
	}
}
