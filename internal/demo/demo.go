// Package demo is the example application served by `shiny serve`.
package demo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vango-dev/shiny/pkg/reactive"
	"github.com/vango-dev/shiny/pkg/render"
	"github.com/vango-dev/shiny/pkg/server"
)

// ClockInterval is how often the clock ticks.
var ClockInterval = time.Second

// CountdownInterval is how often the countdown ticks.
var CountdownInterval = time.Second

// Counter renders a number with buttons that change it.
var Counter = server.Dynamic("counter", func(c *server.Ctx, start int) (any, error) {
	count := server.UseValue(c, start)
	renders := server.UseStable(c, 0)
	renders.Set(renders.Get() + 1)

	inc := c.On("click", func(server.Event) error {
		count.Update(func(n int) int { return n + 1 })
		return nil
	})
	dec := c.On("click", func(server.Event) error {
		count.Update(func(n int) int { return n - 1 })
		return nil
	})

	return render.HTML(fmt.Sprintf(
		`<p><button %s>-</button> <strong>%d</strong> <button %s>+</button> <small>rendered %d times</small></p>`,
		dec.Attrs(), count.Get(c), inc.Attrs(), renders.Get(),
	)), nil
})

// Clock shows the server time and updates itself from a background task.
var Clock = server.Dynamic("clock", func(c *server.Ctx, layout string) (any, error) {
	now := server.UseValue(c, time.Now().Format(layout))

	c.OnMount(func() reactive.Disposer {
		t := c.Interval(ClockInterval, func(context.Context) {
			now.Set(time.Now().Format(layout))
		})
		return t.Cancel
	})

	return render.HTML(`<p>Server time: <time>` + render.EscapeHTML(now.Get(c)) + `</time></p>`), nil
})

// Countdown counts down from its argument in seconds. The remaining time is
// derived from the elapsed ticks by an update hook, which also stops the
// ticker once time is up.
var Countdown = server.Dynamic("countdown", func(c *server.Ctx, seconds int) (any, error) {
	elapsed := server.UseValue(c, 0)
	remaining := server.UseValue(c, seconds)
	ticker := server.UseStable[*server.Task](c, nil)

	start := func() {
		ticker.Set(c.Interval(CountdownInterval, func(context.Context) {
			elapsed.Update(func(n int) int { return n + 1 })
		}))
	}

	c.OnMount(func() reactive.Disposer {
		if seconds > 0 {
			start()
		}
		return nil
	})
	c.OnUpdate(elapsed, func(reactive.Source) reactive.Disposer {
		left := seconds - elapsed.Peek()
		if left <= 0 {
			left = 0
			if t := ticker.Get(); t != nil {
				t.Cancel()
			}
		}
		remaining.Set(left)
		return nil
	})

	if left := remaining.Get(c); left > 0 {
		return render.HTML(fmt.Sprintf(`<p><strong>%d</strong> seconds left</p>`, left)), nil
	}

	restart := c.On("click", func(server.Event) error {
		elapsed.Set(0)
		start()
		return nil
	})
	return render.HTML(fmt.Sprintf(`<p>Countdown finished <button %s>Restart</button></p>`, restart.Attrs())), nil
})

// inputEvent is the part of a serialized DOM event the greeter reads.
type inputEvent struct {
	Target struct {
		Value string `json:"value"`
	} `json:"target"`
}

// Greeter echoes what is typed into its input.
var Greeter = server.Dynamic("greeter", func(c *server.Ctx, _ struct{}) (any, error) {
	name := server.UseValue(c, "")

	input := c.On("input", func(ev server.Event) error {
		var e inputEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		name.Set(strings.TrimSpace(e.Target.Value))
		return nil
	})

	greeting := "Type your name."
	if n := name.Get(c); n != "" {
		greeting = "Hello, " + render.EscapeHTML(n) + "!"
	}
	return render.HTML(fmt.Sprintf(`<p><input %s placeholder="name"> %s</p>`, input.Attrs(), greeting)), nil
})

// Stats is rendered lazily once the client connects.
var Stats = server.Dynamic("stats", func(c *server.Ctx, _ struct{}) (any, error) {
	s := c.Session()
	return render.HTML(fmt.Sprintf(
		`<p>Session has %d instances, connected: %t</p>`,
		s.InstanceCount(), s.HasChannel(),
	)), nil
}, server.Lazy())

// Page renders the demo page.
func Page(c *server.Ctx, _ *http.Request) (any, error) {
	var b strings.Builder
	b.WriteString("<main><h1>shiny</h1>\n")

	parts := []func() (render.HTML, error){
		func() (render.HTML, error) { return Counter.Mount(c, 0) },
		func() (render.HTML, error) { return Clock.Mount(c, time.TimeOnly) },
		func() (render.HTML, error) { return Countdown.Mount(c, 10) },
		func() (render.HTML, error) { return Greeter.Mount(c, struct{}{}) },
		func() (render.HTML, error) { return Stats.Mount(c, struct{}{}) },
	}
	for _, part := range parts {
		html, err := part()
		if err != nil {
			return nil, err
		}
		b.WriteString(string(html))
		b.WriteString("\n")
	}

	b.WriteString("</main>")
	return render.HTML(b.String()), nil
}

// Register mounts the demo page on srv.
func Register(srv *server.Server) {
	srv.Page("/", Page)
}
