package module

import "time"

// Settings holds the options of the built-in modules.
type Settings struct {
	// CheckURL is the checktest page.
	CheckURL string

	// ContentURL is the httpcontent document.
	ContentURL string

	// Timeout bounds every HTTP request a built-in module makes.
	Timeout time.Duration

	// CheckTimeout and ContentTimeout override Timeout for one module.
	CheckTimeout   time.Duration
	ContentTimeout time.Duration
}

// Builtin returns a registry holding checktest and httpcontent configured
// from s. Empty fields keep the module defaults.
func Builtin(s Settings) *Registry {
	var checkOpts []CheckTestOption
	var contentOpts []HTTPContentOption
	if s.CheckURL != "" {
		checkOpts = append(checkOpts, WithCheckURL(s.CheckURL))
	}
	if s.ContentURL != "" {
		contentOpts = append(contentOpts, WithContentURL(s.ContentURL))
	}
	if d := firstPositive(s.CheckTimeout, s.Timeout); d > 0 {
		checkOpts = append(checkOpts, WithCheckTimeout(d))
	}
	if d := firstPositive(s.ContentTimeout, s.Timeout); d > 0 {
		contentOpts = append(contentOpts, WithContentTimeout(d))
	}

	// The names are distinct, so registration cannot fail.
	r, _ := NewRegistry(NewCheckTest(checkOpts...), NewHTTPContent(contentOpts...)) //nolint:errcheck // see above
	return r
}

func firstPositive(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
