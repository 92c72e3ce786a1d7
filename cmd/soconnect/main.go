// Package main implements the interactive shell for the SO Platform
// Connector.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"soconnect/pkg/connector"
	"soconnect/pkg/protocol"
)

// CLI banner with version.
const banner = `
  ____   ___   ____                            _
 / ___| / _ \ / ___|___  _ __  _ __   ___  ___| |_
 \___ \| | | | |   / _ \| '_ \| '_ \ / _ \/ __| __|
  ___) | |_| | |__| (_) | | | | | | |  __/ (__| |_
 |____/ \___/ \____\___/|_| |_|_| |_|\___|\___|\__|

   SO Platform Connector shell (v1.0)
   ----------------------------------

`

// Config holds the platform endpoint settings.
type Config struct {
	Host        string `json:"host"`               // platform host
	Application string `json:"application"`        // application (database) name
	APIKey      string `json:"api_key,omitempty"`  // API key (if any)
	Insecure    bool   `json:"insecure,omitempty"` // use ws:// instead of wss://
	Width       int    `json:"width,omitempty"`    // device viewport width
	Height      int    `json:"height,omitempty"`   // device viewport height
}

// Global state.
var (
	config   *Config           // app config
	client   *connector.Client // live connection, nil until connect
	username string            // logged-in user, for the prompt
)

// LoadConfig reads and parses the config file.
func LoadConfig(configPath string) (*Config, error) {
	// Use default config path (./soconnect.json) if none provided
	if configPath == "" {
		configPath = "./soconnect.json"
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %v", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}

	config := new(Config)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", absPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required config fields.
func (config *Config) Validate() error {
	if config.Host == "" {
		return fmt.Errorf("host is required")
	}
	if config.Application == "" {
		return fmt.Errorf("application is required")
	}
	return nil
}

// RenderResponse formats a response envelope into a human-readable table.
func RenderResponse(r protocol.Response) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Field", "Value"})

	keys := make([]string, 0, len(r))
	for key := range r {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := r[key]
		// Nested payloads render as compact JSON
		switch value.(type) {
		case map[string]any, []any:
			if encoded, err := json.Marshal(value); err == nil {
				value = string(encoded)
			}
		}
		t.AppendRow(table.Row{key, value})
	}

	return t.Render()
}

// requireClient reports whether a connection has been opened.
func requireClient() bool {
	if client == nil {
		log.Warn().Msg("Not connected. Use 'connect' first")
		return false
	}
	return true
}

// saveDownload copies a download to the given path and closes it.
func saveDownload(data *connector.Data, path string) error {
	defer data.Close()
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	written, err := io.Copy(out, data)
	if err != nil {
		return err
	}
	log.Info().Str("path", path).Str("type", data.MimeType).Int64("bytes", written).Msg("Content saved")
	return nil
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to open the connection to the platform
	app.AddCommand(&grumble.Command{
		Name: "connect",
		Help: "connect to the configured platform endpoint",
		Run: func(c *grumble.Context) error {
			if client != nil {
				log.Warn().Msg("Already connected. Use 'reconnect' to reset the connection")
				return nil
			}
			client = connector.New(connector.Config{
				Host:         config.Host,
				Application:  config.Application,
				APIKey:       config.APIKey,
				DeviceWidth:  config.Width,
				DeviceHeight: config.Height,
				Insecure:     config.Insecure,
			})
			if err := client.Err(); err != nil {
				log.Error().Err(err).Msg("Failed to connect")
				client = nil
				return nil
			}
			log.Info().Str("host", config.Host).Str("application", config.Application).Msg("Connected")
			return nil
		},
	})
	// Command to reset the connection
	app.AddCommand(&grumble.Command{
		Name: "reconnect",
		Help: "discard the connection and establish a new one",
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			client.Reconnect()
			if err := client.Err(); err != nil {
				log.Error().Err(err).Msg("Failed to reconnect")
				return nil
			}
			log.Info().Msg("Reconnected")
			return nil
		},
	})
	// Command to log in with username and password
	app.AddCommand(&grumble.Command{
		Name: "login",
		Help: "log in with username and password (or client ID when an API key is configured)",
		Args: func(a *grumble.Args) {
			a.String("username", "username or client ID")
			a.String("password", "password", grumble.Default(""))
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			user := c.Args.String("username")
			var err error
			if config.APIKey != "" {
				err = client.LoginWithKey(user)
			} else {
				err = client.Login(user, c.Args.String("password"))
			}
			if err != nil {
				log.Error().Err(err).Msg("Login failed")
				return nil
			}
			username = user
			log.Info().Str("user", user).Msg("Logged in")
			c.App.SetPrompt(user + " » ")
			return nil
		},
	})
	// Command to request one-time passwords
	app.AddCommand(&grumble.Command{
		Name: "otp",
		Help: "request one-time passwords for email and mobile",
		Args: func(a *grumble.Args) {
			a.String("email", "email address")
			a.String("mobile", "mobile number")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			r := client.RequestOTP(c.Args.String("email"), c.Args.String("mobile"))
			c.App.Println(RenderResponse(r))
			return nil
		},
	})
	// Command to complete the OTP login
	app.AddCommand(&grumble.Command{
		Name: "otp-login",
		Help: "complete login with the received one-time passwords",
		Args: func(a *grumble.Args) {
			a.Int("email-otp", "code received by email")
			a.Int("mobile-otp", "code received by mobile")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			if err := client.LoginOTP(c.Args.Int("email-otp"), c.Args.Int("mobile-otp")); err != nil {
				log.Error().Err(err).Msg("OTP login failed")
				return nil
			}
			log.Info().Msg("Logged in")
			return nil
		},
	})
	// Command to change the account password
	app.AddCommand(&grumble.Command{
		Name: "passwd",
		Help: "change the account password",
		Args: func(a *grumble.Args) {
			a.String("current", "current password")
			a.String("new", "new password")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			if err := client.ChangePassword(c.Args.String("current"), c.Args.String("new")); err != nil {
				log.Error().Err(err).Msg("Password change failed")
				return nil
			}
			log.Info().Msg("Password changed")
			return nil
		},
	})
	// Command to run an arbitrary connector command
	app.AddCommand(&grumble.Command{
		Name:    "exec",
		Aliases: []string{"cmd"},
		Help:    "send a command with optional JSON attributes",
		Args: func(a *grumble.Args) {
			a.String("command", "command name")
			a.String("attributes", "attributes as a JSON object", grumble.Default("{}"))
		},
		Flags: func(f *grumble.Flags) {
			f.Bool("k", "keep-state", false, "ask the server to preserve the connector logic state")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			attributes := protocol.Attributes{}
			if err := json.Unmarshal([]byte(c.Args.String("attributes")), &attributes); err != nil {
				log.Error().Err(err).Msg("Invalid attributes")
				return nil
			}
			var r protocol.Response
			if c.Flags.Bool("keep-state") {
				r = client.CommandPreserveState(c.Args.String("command"), attributes)
			} else {
				r = client.Command(c.Args.String("command"), attributes)
			}
			c.App.Println(RenderResponse(r))
			return nil
		},
	})
	// Command to download a file by name
	app.AddCommand(&grumble.Command{
		Name: "file",
		Help: "download a platform file to a local path",
		Args: func(a *grumble.Args) {
			a.String("name", "file name on the platform")
			a.String("output", "local output path")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			data, err := client.File(c.Args.String("name"))
			if err != nil {
				log.Error().Err(err).Msg("Download failed")
				return nil
			}
			return saveDownload(data, c.Args.String("output"))
		},
	})
	// Command to download a stream by name
	app.AddCommand(&grumble.Command{
		Name: "stream",
		Help: "download stream content to a local path",
		Args: func(a *grumble.Args) {
			a.String("name", "stream name, usually a stringified ID")
			a.String("output", "local output path")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			data, err := client.Stream(c.Args.String("name"))
			if err != nil {
				log.Error().Err(err).Msg("Download failed")
				return nil
			}
			return saveDownload(data, c.Args.String("output"))
		},
	})
	// Command to run a report and save its output
	app.AddCommand(&grumble.Command{
		Name: "report",
		Help: "run a report logic and save its output",
		Args: func(a *grumble.Args) {
			a.String("logic", "name of the report logic")
			a.String("output", "local output path")
			a.String("parameters", "report parameters as a JSON object", grumble.Default("{}"))
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			parameters := protocol.Attributes{}
			if err := json.Unmarshal([]byte(c.Args.String("parameters")), &parameters); err != nil {
				log.Error().Err(err).Msg("Invalid parameters")
				return nil
			}
			data, err := client.Report(c.Args.String("logic"), parameters)
			if err != nil {
				log.Error().Err(err).Msg("Report failed")
				return nil
			}
			return saveDownload(data, c.Args.String("output"))
		},
	})
	// Command to upload local content
	app.AddCommand(&grumble.Command{
		Name: "upload",
		Help: "upload a local file as new or replacement content",
		Args: func(a *grumble.Args) {
			a.String("path", "local file to upload")
		},
		Flags: func(f *grumble.Flags) {
			f.String("t", "type", "application/octet-stream", "mime type of the content")
			f.String("s", "stream", "", "existing content name or ID to overwrite")
		},
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			f, err := os.Open(c.Args.String("path"))
			if err != nil {
				log.Error().Err(err).Msg("Cannot open file")
				return nil
			}
			// Upload closes the file on every exit path
			r := client.Upload(c.Flags.String("type"), f, c.Flags.String("stream"))
			c.App.Println(RenderResponse(r))
			return nil
		},
	})
	// Command to show the connection state
	app.AddCommand(&grumble.Command{
		Name: "status",
		Help: "show connection and session state",
		Run: func(c *grumble.Context) error {
			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Setting", "Value"})
			t.AppendRow(table.Row{"host", config.Host})
			t.AppendRow(table.Row{"application", config.Application})
			t.AppendRow(table.Row{"secured", !config.Insecure})
			t.AppendRow(table.Row{"connected", client != nil})
			if client != nil {
				if err := client.Err(); err != nil {
					t.AppendRow(table.Row{"error", err.Error()})
				}
			}
			if username != "" {
				t.AppendRow(table.Row{"user", username})
			}
			c.App.Println(t.Render())
			return nil
		},
	})
	// Command to log out and drop the connection
	app.AddCommand(&grumble.Command{
		Name: "logout",
		Help: "log out and close the connection",
		Run: func(c *grumble.Context) error {
			if !requireClient() {
				return nil
			}
			client.Logout()
			client = nil
			username = ""
			log.Info().Msg("Logged out")
			c.App.SetPrompt("soconnect » ")
			return nil
		},
	})
}

// -----------------------------------------------------------------------------
// Main Application Entry
// -----------------------------------------------------------------------------

// main is the entry point for the application.
func main() {
	// Set up logging
	configureLogging()

	// Configure and create the CLI app
	app := setupCLI()

	// Add all command handlers
	AddCommands(app)

	// Run the application and handle any errors
	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	// Configure zerolog with a pretty console writer for interactive use
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	// Set reasonable default log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
func setupCLI() *grumble.App {
	// Determine history file location
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".soconnect" // current working directory
	} else {
		histFile = filepath.Join(home, ".soconnect") // home directory
	}

	// Create and configure the CLI app
	app := grumble.New(&grumble.Config{
		Name:        "soconnect",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "soconnect.json", "path to configuration file")
		},
	})

	// Set up our ASCII art banner
	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	// Initialize configuration when the app starts
	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		return nil
	})

	return app
}
