package host

import (
	"bytes"
	"context"
	stdhtml "html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"golang.org/x/crypto/bcrypt"

	"github.com/sambeau/sage/pkg/script"
)

// Stdlib is the default Fallback. It carries the general-purpose verbs
// that need no request or store.
type Stdlib struct {
	md goldmark.Markdown
}

func NewStdlib() *Stdlib {
	return &Stdlib{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
	}
}

var stdlibVerbs = []string{"html-escape", "log", "markdown", "password-hash", "password-verify", "sleep"}

func (s *Stdlib) Verbs() []string { return stdlibVerbs }

func (s *Stdlib) Call(ctx context.Context, env *Env, name string, args script.Args) (script.Value, error) {
	switch name {
	case "log":
		parts := make([]string, args.Len())
		for i := range parts {
			v, err := argValue(name, args, i)
			if err != nil {
				return script.Nil(), err
			}
			parts[i] = v.Text()
		}
		env.logf("SCRIPT", "%s", strings.Join(parts, " "))
		return script.Nil(), nil

	case "html-escape":
		if err := wantArgs(name, args, 1); err != nil {
			return script.Nil(), err
		}
		v, err := argValue(name, args, 0)
		if err != nil {
			return script.Nil(), err
		}
		return script.String(stdhtml.EscapeString(v.Text())), nil

	case "markdown":
		if err := wantArgs(name, args, 1); err != nil {
			return script.Nil(), err
		}
		src, err := argString(name, args, 0)
		if err != nil {
			return script.Nil(), err
		}
		var buf bytes.Buffer
		if err := s.md.Convert([]byte(src), &buf); err != nil {
			return script.Nil(), &VerbError{Verb: name, Err: err}
		}
		return script.String(buf.String()), nil

	case "password-hash":
		if err := wantArgs(name, args, 1); err != nil {
			return script.Nil(), err
		}
		pw, err := argString(name, args, 0)
		if err != nil {
			return script.Nil(), err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			return script.Nil(), &VerbError{Verb: name, Err: err}
		}
		return script.String(string(hash)), nil

	case "password-verify":
		if err := wantArgs(name, args, 2); err != nil {
			return script.Nil(), err
		}
		hash, err := argString(name, args, 0)
		if err != nil {
			return script.Nil(), err
		}
		pw, err := argString(name, args, 1)
		if err != nil {
			return script.Nil(), err
		}
		err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
		return boolNumber(err == nil), nil

	case "sleep":
		if err := wantArgs(name, args, 1); err != nil {
			return script.Nil(), err
		}
		ms, err := argNumber(name, args, 0)
		if err != nil {
			return script.Nil(), err
		}
		t := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
		defer t.Stop()
		select {
		case <-t.C:
			return one, nil
		case <-ctx.Done():
			return script.Nil(), &VerbError{Verb: name, Err: context.Cause(ctx)}
		}
	}
	return script.Nil(), &VerbError{Verb: name, Err: ErrUnknownVerb}
}
