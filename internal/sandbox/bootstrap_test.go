package sandbox

import (
	"context"
	"testing"

	"github.com/dop251/goja"
)

// fakeBrowser provides the document, timers, fetch and module loading the
// bootstrap script uses. Timers and fetches only complete when the test says so.
const fakeBrowser = `
var elements = {};
function element(id, props) {
  props.remove = function () { delete elements[id]; };
  elements[id] = props;
  return props;
}
var document = {
  getElementById: function (id) { return elements[id] || null; },
};

var timers = {};
var nextTimer = 0;
function setTimeout(fn, ms) {
  nextTimer++;
  timers[nextTimer] = { fn: fn, ms: ms };
  return nextTimer;
}
function clearTimeout(id) {
  delete timers[id];
}
function pendingTimers(ms) {
  return Object.keys(timers).filter(function (id) { return timers[id].ms === ms; }).length;
}
function fireTimers(ms) {
  Object.keys(timers).forEach(function (id) {
    var timer = timers[id];
    if (timer && timer.ms === ms) {
      delete timers[id];
      timer.fn();
    }
  });
}

function AbortController() {
  var signal = { aborted: false, onabort: null };
  this.signal = signal;
  this.abort = function () {
    signal.aborted = true;
    if (signal.onabort) {
      signal.onabort();
    }
  };
}

var fetches = [];
function fetch(url, options) {
  return new Promise(function (resolve, reject) {
    fetches.push({ url: url, resolve: resolve });
    options.signal.onabort = function () { reject(new Error("The operation was aborted")); };
  });
}
function respond(status, body) {
  fetches[0].resolve({
    ok: status >= 200 && status < 300,
    status: status,
    text: function () { return Promise.resolve(body); },
  });
}

var renders = [];
var ReactDOM = {
  render: function (el, container) { renders.push({ element: el, container: container }); },
};
var imported = [];
function importModule(url) {
  imported.push(url);
  if (url.indexOf("jsx-runtime") >= 0) {
    return Promise.resolve({ jsx: function (type, props) { return { type: type, props: props }; } });
  }
  if (url.indexOf("mock-block-dock@") >= 0) {
    return Promise.resolve({ MockBlockDock: "MockBlockDock" });
  }
  if (url.indexOf("react-dom@") >= 0) {
    return Promise.resolve({ default: ReactDOM });
  }
  return Promise.resolve({ default: { url: url } });
}
function lastProps() {
  return renders[renders.length - 1].element.props;
}
`

type bootstrapPage struct {
	t  *testing.T
	vm *goja.Runtime
}

// loadBootstrap runs the signal and bootstrap scripts of the block's document
// in a fake browser and starts the bootstrap.
func loadBootstrap(t *testing.T, blockslug string) *bootstrapPage {
	t.Helper()
	s := newTestService(t, testCatalog())
	out, err := s.Generate(context.Background(), request("acme", blockslug))
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	doc, _ := parseDocument(t, out.HTML)

	p := &bootstrapPage{t: t, vm: goja.New()}
	p.run(fakeWindow)
	p.run(fakeBrowser)
	if err := p.vm.Set("configText", doc.Find("script#sandbox-config").Text()); err != nil {
		t.Fatalf("Failed to set config text: %v", err)
	}
	p.run(`
element("sandbox-config", { textContent: configText });
element("container", {});
element("loading-indicator", { style: { visibility: "hidden" } });
element("sandbox-error", { textContent: "", hidden: true });
`)
	for _, id := range []string{"sandbox-signal", "sandbox-bootstrap"} {
		script := doc.Find("script#" + id).Text()
		if script == "" {
			t.Fatalf("Document has no %s script", id)
		}
		p.run(script)
	}
	p.run("window.sandboxBootstrap(importModule)")
	return p
}

func (p *bootstrapPage) run(code string) goja.Value {
	p.t.Helper()
	return mustRun(p.t, p.vm, code)
}

func (p *bootstrapPage) count(code string) int64 {
	p.t.Helper()
	return p.run(code).ToInteger()
}

func (p *bootstrapPage) str(code string) string {
	p.t.Helper()
	return p.run(code).String()
}

func (p *bootstrapPage) wantRenders(n int64) {
	p.t.Helper()
	if got := p.count("renders.length"); got != n {
		p.t.Fatalf("Block rendered %d times, want %d", got, n)
	}
}

const counterSource = `exports.default = "CounterComponent";`

func TestBootstrap_RendersOnceSourceAndPropsArrive(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
	}{
		{"props first", []string{`dispatch('{"entityId": "e1"}')`, `respond(200, source)`}},
		{"source first", []string{`respond(200, source)`, `dispatch('{"entityId": "e1"}')`}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := loadBootstrap(t, "counter")
			p.vm.Set("source", counterSource)

			p.run(tc.steps[0])
			p.wantRenders(0)
			p.run(tc.steps[1])
			p.wantRenders(1)

			if got := p.str("fetches[0].url"); got != "/blocks/acme/counter/main.js" {
				t.Errorf("Fetched %q, want the block source", got)
			}
			if got := p.str("renders[0].element.type"); got != "MockBlockDock" {
				t.Errorf("Rendered element type = %q, want MockBlockDock", got)
			}
			if !p.run(`renders[0].container === elements["container"]`).ToBoolean() {
				t.Error("Block was not rendered into #container")
			}
			for code, want := range map[string]string{
				"lastProps().blockEntity.entityId":                "e1",
				"lastProps().blockDefinition.ReactComponent":      "CounterComponent",
				"typeof lastProps().blockDefinition.html":         "undefined",
				"lastProps().initialEntities[0].entityId":         "counter-1",
				"lastProps().initialLinks[0].destinationEntityId": "counter-2",
			} {
				if got := p.str(code); got != want {
					t.Errorf("%s = %q, want %q", code, got, want)
				}
			}
			if !p.run(`document.getElementById("loading-indicator") === null`).ToBoolean() {
				t.Error("Loading indicator was not removed on render")
			}
		})
	}
}

func TestBootstrap_ImportsRuntimeAndExternals(t *testing.T) {
	p := loadBootstrap(t, "counter")
	for _, url := range []string{
		"https://esm.sh/react@^18.2.0",
		"https://esm.sh/react-dom@^18.2.0",
		"https://esm.sh/react@^18.2.0/jsx-runtime.js",
		"https://esm.sh/mock-block-dock@0.0.20?alias=lodash:lodash-es&deps=react@^18.2.0",
		"https://esm.sh/lodash-es@^4.17.21",
		"https://esm.sh/twind@^0.16.17",
	} {
		p.vm.Set("url", url)
		if !p.run("imported.indexOf(url) >= 0").ToBoolean() {
			t.Errorf("Module %s was not imported", url)
		}
	}
}

func TestBootstrap_PersistentListenerRerenders(t *testing.T) {
	p := loadBootstrap(t, "counter")
	p.vm.Set("source", counterSource)
	if n := p.count("listeners.length"); n != 2 {
		t.Fatalf("Got %d message listeners, want the one-shot and the persistent one", n)
	}

	p.run(`respond(200, source)`)
	p.run(`dispatch('{"entityId": "e1"}')`)
	p.wantRenders(1)
	if n := p.count("listeners.length"); n != 1 {
		t.Errorf("Got %d message listeners after the first payload, want 1", n)
	}

	// The same payload again renders again.
	p.run(`dispatch('{"entityId": "e1"}')`)
	p.wantRenders(2)

	p.run(`dispatch({ entityId: "object" })`)
	p.run(`dispatch("not json")`)
	p.wantRenders(2)

	p.run(`dispatch('{"entityId": "e2"}')`)
	p.wantRenders(3)
	if got := p.str("lastProps().blockEntity.entityId"); got != "e2" {
		t.Errorf("Rendered entity %q, want %q", got, "e2")
	}
	if got := p.str("lastProps().blockDefinition.ReactComponent"); got != "CounterComponent" {
		t.Errorf("Re-render lost the block definition: ReactComponent = %q", got)
	}
}

func TestBootstrap_LatestPayloadBeforeRenderWins(t *testing.T) {
	p := loadBootstrap(t, "counter")
	p.vm.Set("source", counterSource)

	p.run(`dispatch('{"entityId": "e1"}')`)
	p.run(`dispatch('{"entityId": "e2"}')`)
	p.wantRenders(0)

	p.run(`respond(200, source)`)
	p.wantRenders(1)
	if got := p.str("lastProps().blockEntity.entityId"); got != "e2" {
		t.Errorf("First render used entity %q, want the latest %q", got, "e2")
	}
}

func TestBootstrap_LoadingIndicator(t *testing.T) {
	t.Run("fast source", func(t *testing.T) {
		p := loadBootstrap(t, "counter")
		if n := p.count("pendingTimers(400)"); n != 1 {
			t.Fatalf("Got %d pending indicator timers, want 1", n)
		}
		p.vm.Set("source", counterSource)
		p.run(`respond(200, source)`)
		if n := p.count("pendingTimers(400)"); n != 0 {
			t.Errorf("Indicator timer still pending after the source arrived")
		}
		if got := p.str(`elements["loading-indicator"].style.visibility`); got != "hidden" {
			t.Errorf("Indicator visibility = %q, want hidden", got)
		}
	})

	t.Run("slow source", func(t *testing.T) {
		p := loadBootstrap(t, "counter")
		p.run("fireTimers(400)")
		if got := p.str(`elements["loading-indicator"].style.visibility`); got != "visible" {
			t.Errorf("Indicator visibility = %q, want visible", got)
		}
		p.vm.Set("source", counterSource)
		p.run(`respond(200, source)`)
		p.run(`dispatch('{}')`)
		p.wantRenders(1)
		if !p.run(`document.getElementById("loading-indicator") === null`).ToBoolean() {
			t.Error("Loading indicator was not removed on render")
		}
	})
}

func TestBootstrap_SourceErrors(t *testing.T) {
	tests := []struct {
		name    string
		step    string
		wantErr string
	}{
		{"timeout", "fireTimers(30000)", "Could not load block acme/counter: source request timed out after 30000ms"},
		{"status", `respond(404, "")`, "Could not load block acme/counter: HTTP status 404"},
		{"no export", `respond(200, "")`, "Could not load block acme/counter: Could not find export from block source"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := loadBootstrap(t, "counter")
			p.run(tc.step)

			if p.run(`elements["sandbox-error"].hidden`).ToBoolean() {
				t.Fatal("Error element is still hidden")
			}
			if got := p.str(`elements["sandbox-error"].textContent`); got != tc.wantErr {
				t.Errorf("Error message = %q, want %q", got, tc.wantErr)
			}
			if !p.run(`document.getElementById("loading-indicator") === null`).ToBoolean() {
				t.Error("Loading indicator was not replaced by the error")
			}
			if n := p.count("pendingTimers(400)"); n != 0 {
				t.Errorf("Indicator timer still pending after the fetch failed")
			}
			p.run(`dispatch('{}')`)
			p.wantRenders(0)
		})
	}
}

func TestBootstrap_ExportPriority(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"default first", `exports.Other = "other"; exports.App = "app"; exports.default = "default";`, "default"},
		{"App before other keys", `exports.Other = "other"; exports.App = "app";`, "app"},
		{"first key", `exports.Other = "other"; exports.Another = "another";`, "other"},
		{"module.exports", `module.exports = { App: "app" };`, "app"},
		{"require by requested name", `exports.default = require("lodash").default.url;`, "https://esm.sh/lodash-es@^4.17.21"},
		{"require react", `exports.default = require("react").url;`, "https://esm.sh/react@^18.2.0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := loadBootstrap(t, "counter")
			p.vm.Set("source", tc.source)
			p.run(`dispatch('{}')`)
			p.run(`respond(200, source)`)
			p.wantRenders(1)
			if got := p.str("lastProps().blockDefinition.ReactComponent"); got != tc.want {
				t.Errorf("ReactComponent = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBootstrap_EntryPoints(t *testing.T) {
	t.Run("html", func(t *testing.T) {
		p := loadBootstrap(t, "paragraph")
		p.run(`dispatch('{}')`)
		p.run(`respond(200, "<p>Hello</p>")`)
		p.wantRenders(1)
		for code, want := range map[string]string{
			"lastProps().blockDefinition.html.source":           "<p>Hello</p>",
			"lastProps().blockDefinition.html.url":              "/blocks/acme/paragraph/index.html",
			"typeof lastProps().blockDefinition.ReactComponent": "undefined",
			"typeof lastProps().blockDefinition.customElement":  "undefined",
		} {
			if got := p.str(code); got != want {
				t.Errorf("%s = %q, want %q", code, got, want)
			}
		}
	})

	t.Run("custom element", func(t *testing.T) {
		p := loadBootstrap(t, "element")
		p.run(`dispatch('{}')`)
		p.run(`respond(200, 'exports.default = "ElementClass";')`)
		p.wantRenders(1)
		for code, want := range map[string]string{
			"lastProps().blockDefinition.customElement.elementClass": "ElementClass",
			"lastProps().blockDefinition.customElement.tagName":      "acme-element",
			"typeof lastProps().blockDefinition.ReactComponent":      "undefined",
		} {
			if got := p.str(code); got != want {
				t.Errorf("%s = %q, want %q", code, got, want)
			}
		}
		if !p.run(`imported.indexOf("https://esm.sh/lit@^2.4.1") >= 0`).ToBoolean() {
			t.Error("External lit was not imported")
		}
	})

	t.Run("padded react", func(t *testing.T) {
		p := loadBootstrap(t, "padded")
		p.vm.Set("source", counterSource)
		p.run(`dispatch('{}')`)
		p.run(`respond(200, source)`)
		p.wantRenders(1)
		if got := p.str("lastProps().blockDefinition.ReactComponent"); got != "CounterComponent" {
			t.Errorf("ReactComponent = %q, want %q", got, "CounterComponent")
		}
	})
}
