// Package log provides secure logging built on top of the standard slog
// package.
//
// Every logger returned by New wraps its output handler in a SecureHandler,
// which masks:
//   - The direct identity of the host, by key ("baseline", "real_ip", ...)
//   - Any value registered with a Redactor, wherever it appears
//   - Credentials detected by key name or value pattern
//   - Proxy URLs that carry a user and password
//
// Even in verbose mode the direct identity is masked, so debug logs can be
// shared without revealing where the fetcher actually runs. Key-based
// masking alone does not cover error texts such as "dial 203.0.113.5:443";
// registering the address with the Redactor once it is known does.
//
// # Usage
//
//	redactor := log.NewRedactor()
//	logger := log.New(os.Stderr, log.Options{Verbose: true, Redactor: redactor})
//	slog.SetDefault(logger)
//
//	redactor.Add(baseline.Address)
//	logger.Info("proxy verified",
//	    "exit", exit.Address,         // shown
//	    "baseline", baseline.Address, // ***REDACTED***
//	)
package log
