package remote

import (
	"strings"

	"github.com/golang/glog"
)

// rendering collaborator. the widget layout / DOM lives outside this core.
type Surface interface {
	// replaces the subtree under the element.
	// returns false if no element with the id exists.
	SetContent(elementId string, html string) bool
	// runs an executable fragment in the rendered surface
	RunScript(script string)
}

// a server-directed replacement of a named region. transient, applied once.
type ContentPatch struct {
	TargetElementId string
	Html            string
}

type Patcher struct {
	surface Surface
}

func NewPatcher(surface Surface) *Patcher {
	return &Patcher{
		surface: surface,
	}
}

// applies a content patch. embedded script fragments are split out of
// the markup and replayed through the surface so they execute fresh,
// overriding the default inert insert. unknown targets are a logged no-op.
func (self *Patcher) Apply(targetElementId string, html string) {
	markup, scripts := splitScripts(html)
	if !self.surface.SetContent(targetElementId, markup) {
		glog.Infof("[patch]unknown target element = %s\n", targetElementId)
		return
	}
	for _, script := range scripts {
		self.surface.RunScript(script)
	}
}

// lowers ASCII letters only. unlike `strings.ToLower` this preserves the
// byte length, so indexes into the result are valid in the source string.
func lowerAscii(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// removes <script> elements from the markup and returns their bodies
// in document order. malformed fragments are left in the markup untouched.
func splitScripts(html string) (string, []string) {
	scripts := []string{}
	var markup strings.Builder
	lower := lowerAscii(html)
	i := 0
	for {
		open := strings.Index(lower[i:], "<script")
		if open < 0 {
			markup.WriteString(html[i:])
			break
		}
		open += i
		openEnd := strings.Index(lower[open:], ">")
		if openEnd < 0 {
			markup.WriteString(html[i:])
			break
		}
		openEnd += open + 1
		close := strings.Index(lower[openEnd:], "</script>")
		if close < 0 {
			markup.WriteString(html[i:])
			break
		}
		close += openEnd
		markup.WriteString(html[i:open])
		scripts = append(scripts, html[openEnd:close])
		i = close + len("</script>")
	}
	return markup.String(), scripts
}
