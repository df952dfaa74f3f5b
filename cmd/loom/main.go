package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loom/internal/app"
	"loom/internal/db"
	"loom/internal/domain"
	"loom/internal/engine"
	"loom/internal/identity"
	"loom/internal/migrate"
	"loom/internal/repo"
	"loom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom CLI",
	Long: `Loom is a typed element store for tracking work.
Elements (tasks, plans, workflows, documents, entities and more) link up
through a typed dependency graph; blocking edges keep a blocked cache and
element statuses consistent in the same transaction that mutates them.
Updates can be made conditional on the element's updated_at token, and
mutations may be signed with Ed25519 keys and gated by a trust mode.`,
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
	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(elementCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(serveCmd())
}

func elementCmd() *cobra.Command {
	el := &cobra.Command{Use: "element", Short: "Manage elements"}
	el.AddCommand(elementCreateCmd())
	el.AddCommand(elementShowCmd())
	el.AddCommand(elementUpdateCmd())
	el.AddCommand(elementCloseCmd())
	el.AddCommand(elementDeleteCmd())
	el.AddCommand(elementListCmd())
	return el
}

func elementCreateCmd() *cobra.Command {
	var kind, title, status, detailJSON string
	var tags []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an element",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				el := domain.Element{
					Kind:   domain.Kind(kind),
					Title:  title,
					Status: status,
					Tags:   tags,
				}
				if detailJSON != "" {
					detail, err := domain.DecodeDetail(el.Kind, []byte(detailJSON))
					if err != nil {
						return err
					}
					el.Detail = detail
				}
				created, err := ws.Engine.Create(ctx, actor, el)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "task", "element kind")
	cmd.Flags().StringVar(&title, "title", "", "element title")
	cmd.Flags().StringVar(&status, "status", "", "initial status (blockable kinds)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVar(&detailJSON, "detail", "", "kind-specific detail as JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func elementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				el, err := ws.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(el)
			})
		},
	}
	return cmd
}

func elementUpdateCmd() *cobra.Command {
	var title, status, detailJSON, expected string
	var tags []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				var patch engine.Patch
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("status") {
					patch.Status = &status
				}
				if cmd.Flags().Changed("tag") {
					patch.Tags = &tags
				}
				if detailJSON != "" {
					cur, err := ws.Engine.Get(ctx, args[0])
					if err != nil {
						return err
					}
					detail, err := domain.DecodeDetail(cur.Kind, []byte(detailJSON))
					if err != nil {
						return err
					}
					patch.Detail = detail
				}
				updated, err := ws.Engine.Update(ctx, actor, args[0], patch, engine.UpdateOptions{
					ExpectedUpdatedAt: expected,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace tags")
	cmd.Flags().StringVar(&detailJSON, "detail", "", "replace detail (JSON)")
	cmd.Flags().StringVar(&expected, "if-updated-at", "", "only apply if updated_at still matches")
	return cmd
}

func elementCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				status := domain.StatusClosed
				updated, err := ws.Engine.Update(ctx, actor, args[0], engine.Patch{Status: &status}, engine.UpdateOptions{})
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	return cmd
}

func elementDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				return ws.Engine.Delete(ctx, actor, args[0])
			})
		},
	}
	return cmd
}

func elementListCmd() *cobra.Command {
	var kind, status, tag string
	var includeDeleted bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List elements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Repo.ListElements(ctx, repo.ElementFilters{
					Kind:           domain.Kind(kind),
					Status:         status,
					Tag:            tag,
					IncludeDeleted: includeDeleted,
					Limit:          limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Updated"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Kind, e.Title, e.Status, e.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	cmd.Flags().BoolVar(&includeDeleted, "deleted", false, "include tombstones")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func depCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage dependencies"}
	dep.AddCommand(depAddCmd())
	dep.AddCommand(depRemoveCmd())
	dep.AddCommand(depListCmd())
	return dep
}

func depAddCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "add <blocked-id> <blocker-id>",
		Short: "Add a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				return ws.Engine.AddDependency(ctx, actor, domain.Dependency{
					BlockedID: args[0],
					BlockerID: args[1],
					Type:      domain.DepType(depType),
				})
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", string(domain.DepBlocks), "edge type (blocks, parent-child, references, awaits)")
	return cmd
}

func depRemoveCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "remove <blocked-id> <blocker-id>",
		Short: "Remove a dependency edge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				return ws.Engine.RemoveDependency(ctx, actor, args[0], args[1], domain.DepType(depType))
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", string(domain.DepBlocks), "edge type")
	return cmd
}

func depListCmd() *cobra.Command {
	var dependents bool
	cmd := &cobra.Command{
		Use:   "list <id>",
		Short: "List edges touching an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				var edges []domain.Dependency
				var err error
				if dependents {
					edges, err = ws.Engine.Dependents(ctx, args[0])
				} else {
					edges, err = ws.Engine.Dependencies(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(edges)
			})
		},
	}
	cmd.Flags().BoolVar(&dependents, "dependents", false, "list edges where this element is the blocker")
	return cmd
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Short: "Manage entities and keys"}
	ent.AddCommand(entityRegisterCmd())
	ent.AddCommand(entityKeygenCmd())
	return ent
}

func entityRegisterCmd() *cobra.Command {
	var name, displayName, publicKey string
	var agent bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if publicKey != "" {
					if _, err := identity.ParsePublicKey(publicKey); err != nil {
						return err
					}
				}
				actor, err := ws.ResolveActor(ctx, "", viper.GetString("actor"))
				if err != nil {
					return err
				}
				created, err := ws.Engine.Create(ctx, actor, domain.Element{
					Kind:  domain.KindEntity,
					Title: name,
					Detail: domain.EntityDetail{
						DisplayName: displayName,
						PublicKey:   publicKey,
						Agent:       agent,
					},
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "actor name")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "base64 Ed25519 public key")
	cmd.Flags().BoolVar(&agent, "agent", false, "mark as automated agent")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func entityKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := identity.GenerateKeyPair()
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{
				"public_key":  pub,
				"private_key": priv,
			})
		},
	}
	return cmd
}

func doctorCmd() *cobra.Command {
	var rebuild, purge bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check blocked-cache consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if rebuild {
					n, err := ws.Engine.RebuildBlockedCache(ctx, identity.SystemActor())
					if err != nil {
						return err
					}
					fmt.Printf("recomputed %d elements\n", n)
				}
				if purge {
					n, err := ws.Engine.PurgeTombstones(ctx, identity.SystemActor())
					if err != nil {
						return err
					}
					fmt.Printf("purged %d tombstones\n", n)
				}
				report, err := ws.Engine.CheckBlockedCache(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rebuild the blocked cache before checking")
	cmd.Flags().BoolVar(&purge, "purge", false, "purge expired tombstones")
	return cmd
}

func migrateCmd() *cobra.Command {
	mig := &cobra.Command{Use: "migrate", Short: "Manage schema migrations"}
	mig.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema version and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			pending, err := migrate.Pending(conn)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(pending))
			for _, m := range pending {
				names = append(names, migrate.Describe(m))
			}
			report, err := migrate.ValidateSchema(conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{
				"version":      version,
				"pending":      names,
				"schema_valid": report.Valid,
				"missing":      report.MissingTables,
				"extra":        report.ExtraTables,
			})
		},
	})
	mig.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(conn)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("schema is up to date")
				return nil
			}
			fmt.Printf("applied migrations: %v\n", applied)
			return nil
		},
	})
	return mig
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				secret := uuid.New().String() + uuid.New().String()
				k := repo.APIKey{
					ID:      "key-" + uuid.New().String(),
					Actor:   actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := ws.Engine.Repo.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":    k.ID,
					"actor": k.Actor,
					"key":   secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "for", "", "actor the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("for")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				keys, err := ws.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "for", "", "filter by actor")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				return ws.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit trail"}
	var n int
	var elementID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.ListEvents(ctx, elementID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&elementID, "element", "", "filter by element id")
	log.AddCommand(tail)
	return log
}

func signCmd() *cobra.Command {
	var privateKey, bodyFile string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a request body",
		Long:  "Produces the X-Signature headers for a signed mutation from a private key and body file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor")
			if actor == "" {
				return fmt.Errorf("--actor is required for signing")
			}
			priv, err := identity.ParsePrivateKey(privateKey)
			if err != nil {
				return err
			}
			var body []byte
			if bodyFile != "" {
				body, err = os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
			}
			signed, err := identity.Sign(actor, body, priv, time.Now())
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{
				"X-Signature-Actor": signed.Actor,
				"X-Signed-At":       signed.SignedAt,
				"X-Request-Hash":    signed.RequestHash,
				"X-Signature":       signed.Signature,
			})
		},
	}
	cmd.Flags().StringVar(&privateKey, "key", "", "base64 Ed25519 private key")
	cmd.Flags().StringVar(&bodyFile, "body", "", "file containing the request body")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			ws, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret: ws.Config.Server.JWTSecret,
				TrustMode: ws.Config.Identity.TrustMode,
				Tolerance: ws.Config.Tolerance(),
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("LOOM_JWT_SECRET")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Loom API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
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
