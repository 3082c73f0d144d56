package oauth

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"runtime"

	"github.com/giantswarm/mcp-inspect/internal/logging"
)

// Navigator surfaces an authorization URL to the user.
type Navigator interface {
	Navigate(ctx context.Context, authURL string) error
}

// BrowserNavigator opens the system browser, printing the URL when that is
// not possible.
type BrowserNavigator struct {
	Logger *logging.Logger
	// Open replaces the platform browser launcher.
	Open func(string) error
}

func (n *BrowserNavigator) Navigate(_ context.Context, authURL string) error {
	open := n.Open
	if open == nil {
		open = openBrowser
	}

	n.Logger.Info("Opening browser for authorization...")
	n.Logger.InfoVerbose("Authorization URL: %s", authURL)
	if err := open(authURL); err != nil {
		n.Logger.Warning("Could not open browser automatically: %v", err)
		n.Logger.Info("Please open this URL in your browser:")
		n.Logger.Info("%s", authURL)
	}
	return nil
}

// PrintNavigator writes the URL for the user to open by hand.
type PrintNavigator struct {
	Writer io.Writer
}

func (n *PrintNavigator) Navigate(_ context.Context, authURL string) error {
	w := n.Writer
	if w == nil {
		w = os.Stderr
	}
	_, err := fmt.Fprintf(w, "Open this URL in your browser to authorize:\n\n  %s\n\n", authURL)
	return err
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, authURL string) error

func (f NavigatorFunc) Navigate(ctx context.Context, authURL string) error {
	return f(ctx, authURL)
}

// openBrowser opens urlStr in the default browser. Only http and https URLs
// are accepted.
func openBrowser(urlStr string) error {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme for browser: %s (only http/https allowed)", parsedURL.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", urlStr)
	case "darwin":
		cmd = exec.Command("open", urlStr)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", urlStr)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
