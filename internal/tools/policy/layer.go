package policy

import "fmt"

// Layer is one compiled scope of tool rules.
type Layer struct {
	Name string

	allow    []matcher
	hasAllow bool
	deny     []matcher
}

// newLayer compiles one scope. An empty allow list means allow-all; alsoAllow
// extends a present allow list and leaves an absent one unrestricted.
func newLayer(name string, groups map[string][]string, allow, alsoAllow, deny []string) Layer {
	l := Layer{Name: name, deny: compilePatterns(expandGroups(groups, deny))}
	if len(allow) > 0 {
		l.hasAllow = true
		merged := append(append([]string{}, allow...), alsoAllow...)
		l.allow = compilePatterns(expandGroups(groups, merged))
	}
	return l
}

// check reports whether tool passes this layer and why. tool must already
// be normalized.
func (l Layer) check(tool string) (bool, string) {
	if p, ok := firstMatch(l.deny, tool); ok {
		return false, fmt.Sprintf("denied by %q", p)
	}
	if !l.hasAllow {
		return true, "no allow list"
	}
	if p, ok := firstMatch(l.allow, tool); ok {
		return true, fmt.Sprintf("allowed by %q", p)
	}
	if tool == "apply_patch" {
		if p, ok := firstMatch(l.allow, "exec"); ok {
			return true, fmt.Sprintf("allowed via exec by %q", p)
		}
	}
	return false, "not in allow list"
}

// policyLayers turns a scope policy into its rule layer and, when a
// restricting profile is set, a profile layer. AlsoAllow extends both the
// profile's allow list and the scope's own.
func policyLayers(name string, groups map[string][]string, p *Policy) []Layer {
	if p.IsZero() {
		return nil
	}
	var layers []Layer
	if allow := profileAllow[p.Profile]; len(allow) > 0 {
		layers = append(layers, newLayer(name+":profile:"+string(p.Profile), groups, allow, p.AlsoAllow, nil))
	}
	if p.Allow != nil || p.AlsoAllow != nil || p.Deny != nil {
		layers = append(layers, newLayer(name, groups, p.Allow, p.AlsoAllow, p.Deny))
	}
	return layers
}
