package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/accesscode"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/auth"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/dbconfig"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/models"
	"github.com/AbbadiAhmad/gamin-dashboard/go/internal/storage"
)

// TeamImport is one entry of the teams JSON file.
type TeamImport struct {
	Name string `json:"name"`
}

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "seed",
		Usage: "prepare a gaming dashboard database",
		Commands: []*cli.Command{
			migrateCommand(),
			demoCommand(),
			importTeamsCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*storage.Store, error) {
	store, err := storage.Open(ctx, dbconfig.NewConfigFromEnv())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create the schema",
		Action: func(c *cli.Context) error {
			store, err := openStore(c.Context)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("Schema is up to date")
			return nil
		},
	}
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "create a demo group with teams, games and access codes",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "teams", Value: 6, Usage: "number of teams"},
			&cli.IntFlag{Name: "games", Value: 3, Usage: "number of games"},
			&cli.Uint64Flag{Name: "seed", Value: 0, Usage: "random seed, 0 for a random one"},
		},
		Action: func(c *cli.Context) error {
			if c.Int("teams") < 1 || c.Int("games") < 1 {
				return errors.New("need at least one team and one game")
			}
			store, err := openStore(c.Context)
			if err != nil {
				return err
			}
			defer store.Close()
			return seedDemo(c.Context, store, gofakeit.New(c.Uint64("seed")), c.Int("teams"), c.Int("games"))
		},
	}
}

func seedDemo(ctx context.Context, store *storage.Store, faker *gofakeit.Faker, teamCount, gameCount int) error {
	groupName := "Demo " + faker.Color()
	group, err := store.CreateGroup(ctx, groupName)
	if err != nil {
		return err
	}

	teams := make([]int64, 0, teamCount)
	names := make(map[int64]string, teamCount)
	for range teamCount {
		name := faker.Color() + " " + faker.Animal()
		id, err := store.CreateTeam(ctx, name, group)
		if err != nil {
			return err
		}
		teams = append(teams, id)
		names[id] = name
	}

	fmt.Printf("Group %q (id %d) with %d teams\n", groupName, group, len(teams))

	for i := range gameCount {
		status := models.GameStatusComing
		switch {
		case i == 0:
			status = models.GameStatusRunning
		case i >= 2:
			status = models.GameStatusPast
		}
		mode := models.TimingModeServer
		if i%2 == 1 {
			mode = models.TimingModeClient
		}

		game := models.GameConfig{
			GroupID:          group,
			Name:             fmt.Sprintf("Buzzer %d", i+1),
			MaxPoints:        faker.IntRange(3, 10) * 10,
			TimingMode:       mode,
			CountdownSeconds: faker.IntRange(3, 5),
			Status:           status,
		}
		gameID, err := store.CreateGame(ctx, game, nil)
		if err != nil {
			return err
		}

		fmt.Printf("  Game %q (id %d, %s, %s timing, max %d points)\n", game.Name, gameID, status, mode, game.MaxPoints)

		taken := make(map[string]bool, len(teams))
		for _, teamID := range teams {
			code, err := accesscode.Generate(accesscode.RandomCode, func(c string) bool { return taken[c] })
			if err != nil {
				return err
			}
			taken[code] = true

			err = store.SaveAccessCode(ctx, models.AccessCode{
				GameID:   gameID,
				TeamID:   teamID,
				Code:     code,
				Status:   models.CodeStatusAvailable,
				Selected: true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("    %-30s %s\n", names[teamID], code)
		}

		if status == models.GameStatusPast {
			for _, teamID := range teams {
				err := store.UpsertScore(ctx, models.GameScore{
					GameID: gameID,
					TeamID: teamID,
					Score:  faker.IntRange(0, game.MaxPoints),
				})
				if err != nil {
					return err
				}
			}
		}
	}

	totals, err := store.RecomputeGroupTotals(ctx, group)
	if err != nil {
		return err
	}
	fmt.Printf("Group totals recomputed for %d teams\n", len(totals))
	return nil
}

func importTeamsCommand() *cli.Command {
	return &cli.Command{
		Name:      "import-teams",
		Usage:     "bulk add teams from a JSON file to a group (postgres)",
		ArgsUsage: "<teams.json>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "group", Required: true, Usage: "group id"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("missing teams file")
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read JSON: %w", err)
			}
			var teams []TeamImport
			if err := json.Unmarshal(data, &teams); err != nil {
				return fmt.Errorf("unmarshal JSON: %w", err)
			}

			cfg := dbconfig.NewConfigFromEnv()
			if cfg.Driver != dbconfig.DriverPostgres {
				return fmt.Errorf("import-teams needs postgres, DB_DRIVER is %q", cfg.Driver)
			}
			pool, err := pgxpool.New(c.Context, cfg.DSN())
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer pool.Close()

			return importTeams(c.Context, pool, c.Int64("group"), teams)
		},
	}
}

func importTeams(ctx context.Context, pool *pgxpool.Pool, groupID int64, teams []TeamImport) error {
	var (
		total    = len(teams)
		inserted int
		skipped  int
		errs     int
	)

	for _, t := range teams {
		if t.Name == "" {
			skipped++
			continue
		}

		var added bool
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			var exists bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (
				  SELECT 1 FROM teams t JOIN group_teams gt ON gt.team_id = t.id
				  WHERE gt.group_id = $1 AND t.name = $2
				)`, groupID, t.Name).Scan(&exists)
			if err != nil || exists {
				return err
			}

			var teamID int64
			if err := tx.QueryRow(ctx, `INSERT INTO teams (name) VALUES ($1) RETURNING id`, t.Name).Scan(&teamID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO group_teams (group_id, team_id) VALUES ($1, $2)`, groupID, teamID); err != nil {
				return err
			}
			added = true
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting team %q: %v\n", t.Name, err)
			errs++
			continue
		}
		if added {
			inserted++
		} else {
			skipped++
		}
	}

	fmt.Printf(
		"Teams import complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
	return nil
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a signed token for a moderator or spectator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true},
			&cli.StringFlag{Name: "role", Value: string(models.RoleEvaluator), Usage: "administrator, evaluator or spectator"},
			&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
			&cli.StringFlag{Name: "issuer", EnvVars: []string{"JWT_ISSUER"}, Value: "gaming-dashboard"},
		},
		Action: func(c *cli.Context) error {
			svc := auth.NewService(c.String("secret"), c.String("issuer"), clockwork.NewRealClock())
			token, err := svc.GenerateToken(c.String("name"), models.Role(c.String("role")), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}
