package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civicdesk/internal/app"
	"civicdesk/internal/config"
	"civicdesk/internal/db"
	"civicdesk/internal/domain"
	"civicdesk/internal/engine"
	"civicdesk/internal/repo"
	"civicdesk/internal/server"
	"civicdesk/internal/validate"
)

var rootCmd = &cobra.Command{
	Use:   "civic",
	Short: "CivicDesk CLI",
	Long: `CivicDesk tracks municipal service requests from submission to resolution.
Core concepts:
- Workspace: the directory holding .civicdesk with the database and uploads.
- Request: a citizen-filed issue (pothole, broken streetlight) with a location.
- Status: pending -> in-progress -> resolved/rejected, every change audited.
- History: the append-only trail of who moved a request and when.
- Departments: the fixed municipal units a request can be routed to.
- Roles: citizens file and follow their own requests; staff work the queue.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CIVICDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "staff", "actor role (citizen, staff, admin)")
	rootCmd.PersistentFlags().String("actor-email", "", "actor email")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
	_ = viper.BindPFlag("actor-email", rootCmd.PersistentFlags().Lookup("actor-email"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(departmentsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func cliPrincipal() domain.Principal {
	return domain.Principal{
		ID:    viper.GetString("actor-id"),
		Role:  viper.GetString("actor-role"),
		Email: viper.GetString("actor-email"),
	}
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage service requests",
		Long:  "Requests flow pending -> in-progress -> resolved/rejected. Citizens file them, staff transition them; every move lands in the history trail.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestTransitionCmd())
	req.AddCommand(requestCommentCmd())
	req.AddCommand(requestAttachCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestHistoryCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var title, description, category, priority string
	var street, city, state, zip string
	var lon, lat float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "File a service request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateOptions{
				Title:       title,
				Description: description,
				Category:    category,
				Priority:    priority,
				Location: validate.LocationInput{
					Street:  street,
					City:    city,
					State:   state,
					ZipCode: zip,
				},
			}
			if cmd.Flags().Changed("longitude") || cmd.Flags().Changed("latitude") {
				opts.Location.Longitude = &lon
				opts.Location.Latitude = &lat
			}
			p := cliPrincipal()
			// Filing is citizen-only; an unset role flag files as citizen.
			if !rootCmd.PersistentFlags().Changed("actor-role") {
				p.Role = domain.RoleCitizen
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.CreateRequest(ctx, p, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "short summary")
	cmd.Flags().StringVar(&description, "description", "", "detailed description")
	cmd.Flags().StringVar(&category, "category", "", "category (maintenance, repair, installation, inspection, streetlight, other)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high; default medium)")
	cmd.Flags().Float64Var(&lon, "longitude", 0, "longitude")
	cmd.Flags().Float64Var(&lat, "latitude", 0, "latitude")
	cmd.Flags().StringVar(&street, "street", "", "street address")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().StringVar(&state, "state", "", "state")
	cmd.Flags().StringVar(&zip, "zip", "", "zip code")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var nearLon, nearLat, radius float64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("near-longitude") || cmd.Flags().Changed("near-latitude") {
				f.GeoNear = &repo.GeoNear{
					Longitude:    nearLon,
					Latitude:     nearLat,
					RadiusMeters: radius,
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListRequests(ctx, cliPrincipal(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Category", "Department", "Created"})
				for _, r := range items {
					dept := ""
					if r.AssignedDepartment != nil {
						dept = *r.AssignedDepartment
					}
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Priority, r.Category, dept, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().StringVar(&f.CitizenID, "citizen-id", "", "citizen filter (staff only)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().Float64Var(&nearLon, "near-longitude", 0, "sort by distance from this longitude")
	cmd.Flags().Float64Var(&nearLat, "near-latitude", 0, "sort by distance from this latitude")
	cmd.Flags().Float64Var(&radius, "radius-meters", 0, "drop results beyond this distance")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with history, comments and attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.GetRequest(ctx, cliPrincipal(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func requestTransitionCmd() *cobra.Command {
	var status, comment string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a request to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Transition(ctx, cliPrincipal(), args[0], status, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (pending, in-progress, resolved, rejected)")
	cmd.Flags().StringVar(&comment, "comment", "", "optional note recorded in the trail")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func requestCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add a comment to a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AddComment(ctx, cliPrincipal(), args[0], text)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func requestAttachCmd() *cobra.Command {
	var kind, file, mime, storageRef string
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach a file to a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && storageRef == "" {
				return fmt.Errorf("--file or --storage-ref required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				att := domain.Attachment{Kind: kind, StorageRef: storageRef, MimeType: mime}
				if file != "" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					ref, err := a.Store.Save(ctx, filepath.Base(file), mime, f)
					if err != nil {
						return err
					}
					att.StorageRef = ref.StorageRef
					att.MimeType = ref.MimeType
					att.OriginalName = ref.OriginalName
				}
				res, err := a.Engine.AddAttachment(ctx, cliPrincipal(), args[0], att)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "image", "attachment kind (image, video, document)")
	cmd.Flags().StringVar(&file, "file", "", "path to a local file to store")
	cmd.Flags().StringVar(&mime, "mime", "", "MIME type")
	cmd.Flags().StringVar(&storageRef, "storage-ref", "", "reference to an already stored blob")
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var department string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Route a request to a department",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.AssignDepartment(ctx, cliPrincipal(), args[0], department)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&department, "department", "", "target department")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status trail of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.GetRequest(ctx, cliPrincipal(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.StatusHistory)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Changed By", "Comment", "Timestamp"})
				for _, h := range res.StatusHistory {
					tw.AppendRow(table.Row{h.Status, h.ChangedBy, h.Comment, h.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is civicdesk.yml in the workspace: municipality name, auth options, category-to-department routing and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default civicdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show request counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.Repo.CountRequestsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"status_counts": counts})
				}
				fmt.Printf("Municipality: %s\n", a.Config.Municipality.Name)
				fmt.Println("Requests:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func departmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "departments",
		Short: "List known departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetBool("json") {
				return printJSON(domain.Departments)
			}
			for _, d := range domain.Departments {
				fmt.Println(d)
			}
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: requests filed, transitions, comments, assignments.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, requestID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEventsFrom(ctx, n, 0, requestID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage service API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a service API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, record, err := server.NewAPIKey(ctx, a.Engine, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       record.ID,
					"actor_id": record.ActorID,
					"name":     record.Name,
					"key":      key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "service actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a service API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func authCmd() *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Local auth helpers",
	}
	auth.AddCommand(authTokenCmd())
	return auth
}

func authTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev JWT for the actor flags (requires CIVICDESK_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("CIVICDESK_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CIVICDESK_JWT_SECRET is required")
			}
			p := cliPrincipal()
			token, err := server.SignDevToken(secret, p.ID, p.Role, p.Email)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:            os.Getenv("CIVICDESK_JWT_SECRET"),
				AllowInsecureHeaders: a.Config.Auth.AllowInsecureHeaders,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowInsecureHeaders {
				return fmt.Errorf("CIVICDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Store:    a.Store,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CivicDesk API on http://%s%s (OpenAPI at %s, Swagger UI at /docs)\n",
				addr, basePath, path.Join("/", basePath, "openapi.json"))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
