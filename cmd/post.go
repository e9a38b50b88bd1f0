/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/blacktop/xpost/internal/server"
	"github.com/blacktop/xpost/internal/xpost"
	"github.com/blacktop/xpost/internal/xpost/fanout"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type postOptions struct {
	mediaURL  string
	caption   string
	altText   string
	mediaType string
	isVideo   bool
	targets   []string
	dryRun    bool
	jsonOut   bool
}

func newPostCommand() *cobra.Command {
	opts := &postOptions{}
	cmd := &cobra.Command{
		Use:   "post [caption]",
		Short: "Publish one media item and print the per-platform results",
		Long: "post downloads the media at --url once and publishes it to every selected platform. " +
			"The caption comes from the argument, --caption, or piped stdin.",
		Example: `  xpost post --url https://cdn.example/a.jpg "hello #world"
  xpost post --url https://cdn.example/clip.mp4 --video --target bluesky
  echo "Release shipped" | xpost post --url https://cdn.example/a.png --target all`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPost(cmd, args, opts, buildDispatcher(configFrom(cmd.Context())))
		},
	}

	cmd.Flags().StringVarP(&opts.mediaURL, "url", "u", "", "HTTPS URL of the image or video to publish")
	cmd.Flags().StringVarP(&opts.caption, "caption", "m", "", "Caption text")
	cmd.Flags().BoolVar(&opts.isVideo, "video", false, "Treat the media as a video")
	cmd.Flags().StringVar(&opts.mediaType, "media-type", "", "MIME type (default video/mp4 or image/jpeg)")
	cmd.Flags().StringVar(&opts.altText, "alt-text", "", "Alternative text describing the media (default: caption)")
	cmd.Flags().StringSliceVar(&opts.targets, "target", []string{fanout.TargetAll}, "Targets to post to (twitter, bluesky, mastodon, or all)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Print actions without posting")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the results as JSON")
	cmd.Flags().SortFlags = false
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func runPost(cmd *cobra.Command, args []string, opts *postOptions, dispatcher server.Dispatcher) error {
	caption, err := resolveCaption(cmd, args, opts.caption)
	if err != nil {
		return err
	}

	targets, err := normalizeTargets(dispatcher, opts.targets)
	if err != nil {
		return err
	}

	req := xpost.NewRequest(opts.mediaURL, caption, opts.isVideo, opts.mediaType, opts.altText)
	if req.MediaURL == "" {
		return xpost.ValidationError{Provider: "post", Reason: "--url is required"}
	}

	out := cmd.OutOrStdout()
	if opts.dryRun {
		for _, target := range targets {
			fmt.Fprintf(out, "[dry-run] would post to %s: %q\n", target, req.Caption)
		}
		fmt.Fprintf(out, "[dry-run] media: %s (type: %s, alt: %q)\n", req.MediaURL, req.MediaType, req.AltText)
		return nil
	}

	outcome := dispatcher.Publish(cmd.Context(), req, targets)
	return report(out, outcome, opts.jsonOut)
}

// resolveCaption takes the caption from the flag, the arguments, or piped
// stdin, in that order. An empty caption is allowed.
func resolveCaption(cmd *cobra.Command, args []string, flagValue string) (string, error) {
	caption := flagValue

	if len(args) > 0 {
		if caption != "" {
			return "", errors.New("provide the caption either as an argument or with --caption, not both")
		}
		caption = strings.Join(args, " ")
	}

	if caption != "" {
		return strings.TrimSpace(caption), nil
	}

	stdin := cmd.InOrStdin()
	if file, ok := stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return "", nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func normalizeTargets(dispatcher server.Dispatcher, values []string) ([]string, error) {
	seen := map[string]struct{}{}
	var errs []error
	for _, raw := range values {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" {
			continue
		}
		resolved, err := dispatcher.Targets(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range resolved {
			seen[t] = struct{}{}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(seen) == 0 {
		return nil, errors.New("no targets selected")
	}

	result := make([]string, 0, len(seen))
	for t := range seen {
		result = append(result, t)
	}
	sort.Strings(result)
	return result, nil
}

func report(out io.Writer, outcome fanout.Outcome, asJSON bool) error {
	names := make([]string, 0, len(outcome.Results))
	for name := range outcome.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome.Results); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	}

	var errs []error
	for _, name := range names {
		res := outcome.Results[name]
		if !res.Success {
			errs = append(errs, fmt.Errorf("%s: %s", name, res.Error))
			continue
		}
		if asJSON {
			continue
		}
		ref := res.ID
		switch {
		case res.URL != "":
			ref = res.URL
		case res.URI != "":
			ref = res.URI
		}
		fmt.Fprintf(out, "posted to %s: %s\n", name, ref)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
