// Package log provides the slog setup of exitscan.
//
// SecureHandler wraps a text or JSON handler and masks values that must not
// end up in logs shared with others: the control port password, the
// authentication cookie and the SAFECOOKIE nonces and hashes. Masking
// applies at every level, including debug.
//
// ParseLevel maps the -v/--verbosity names (debug, info, warning, error,
// critical) to slog levels. Critical sits above error.
//
//	level, err := log.ParseLevel("warning")
//	if err != nil {
//	    return err
//	}
//	slog.SetDefault(log.NewSecureLogger(os.Stderr, level))
package log
