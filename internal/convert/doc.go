// Package convert runs external e-book conversion tools on uploaded files.
//
// A Profile describes one tool: which devices it targets, which input type
// it accepts, how it is invoked and how it renames the display name. Select
// picks the profile that applies to an upload, and a Runner executes it with
// a bounded number of concurrent processes:
//
//	runner := convert.NewRunner(4, 2*time.Minute, logger)
//	p := convert.Select(profiles, device.Kobo, opted, "application/epub+zip")
//	if p != nil {
//	    out, err := runner.Convert(ctx, p, in, p.OutputPath(in))
//	    var convErr *convert.ConversionError
//	    if errors.As(err, &convErr) {
//	        // convErr.Diagnostic is safe to show to the uploader
//	    }
//	}
//
// On failure the input and any partial output are removed. On success the
// caller owns the output and removes the input.
package convert
