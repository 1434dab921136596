package kit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"), mw("c"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}
	want := "a_before b_before c_before endpoint c_after b_after a_after"
	if got := strings.Join(order, " "); got != want {
		t.Fatalf("order: got %q, want %q", got, want)
	}
}

func TestLogging_Error(t *testing.T) {
	// WHAT: failures are logged with the request id and passed through untouched.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	errFail := errors.New("fail")
	ep := Logging(logger, "acquire")(func(context.Context, any) (any, error) { return nil, errFail })

	ctx := WithRequestID(context.Background(), "req-1")
	if _, err := ep(ctx, nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "request_id=req-1") || !strings.Contains(out, "endpoint=acquire") {
		t.Errorf("log line: %s", out)
	}
}

func TestContext_Values(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" {
		t.Fatal("empty context has a request id")
	}
	if GetTransport(ctx) != "http" {
		t.Fatalf("default transport: %q", GetTransport(ctx))
	}
	ctx = WithTransport(WithRequestID(ctx, "r"), "mcp")
	if GetRequestID(ctx) != "r" || GetTransport(ctx) != "mcp" {
		t.Fatal("values not stored")
	}
}
