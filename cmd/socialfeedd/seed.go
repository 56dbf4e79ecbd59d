package main

import (
	"fmt"
	"math/rand/v2"

	"socialfeed/internal/auth"
	"socialfeed/internal/bus"
	"socialfeed/internal/domain"
	"socialfeed/internal/feed"
	"socialfeed/internal/log"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill the database with test users, friendships and posts",
	Long: `Seed registers --users users, gives each up to --friends random friends
and writes --posts posts per user. A bearer token is printed for every user.
Events are not published while seeding.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		users, _ := cmd.Flags().GetInt("users")
		friends, _ := cmd.Flags().GetInt("friends")
		posts, _ := cmd.Flags().GetInt("posts")
		if users < 1 {
			return fmt.Errorf("--users must be >= 1")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		router, write, err := openRouter(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer router.Close()
		if err := write.Migrate(ctx); err != nil {
			return err
		}

		cache, redisClient := newCache(cfg.Cache)
		defer redisClient.Close()

		tokens, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}

		svc := feed.NewService(router, cache, bus.Nop{}, feed.Config{MaxLimit: cfg.Feed.MaxLimit})
		logger := log.WithComponent("seed")

		created := make([]domain.User, 0, users)
		for i := 0; i < users; i++ {
			u, err := svc.RegisterUser(ctx, fmt.Sprintf("User%d", i+1), uuid.NewString()[:8])
			if err != nil {
				return err
			}
			created = append(created, u)
		}

		edges := 0
		for _, u := range created {
			added := 0
			for _, j := range rand.Perm(len(created)) {
				if added == friends {
					break
				}
				if created[j].ID == u.ID {
					continue
				}
				if err := svc.AddFriend(ctx, u.ID, created[j].ID); err != nil {
					return err
				}
				added++
			}
			edges += added
		}

		for _, u := range created {
			for k := 0; k < posts; k++ {
				text := fmt.Sprintf("post %d from %s %s", k+1, u.FirstName, u.SecondName)
				if _, err := svc.CreatePost(ctx, u.ID, text); err != nil {
					return err
				}
			}
		}
		logger.Info().Int("users", len(created)).Int("friendships", edges).Int("posts", len(created)*posts).Msg("seed complete")

		out := cmd.OutOrStdout()
		for _, u := range created {
			token, err := tokens.Issue(u.ID, u.FirstName, u.SecondName)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%s %s\t%s\n", u.ID, u.FirstName, u.SecondName, token)
		}
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for an existing user id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tokens, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		token, err := tokens.Issue(args[0], "", "")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	seedCmd.Flags().Int("users", 10, "number of users to register")
	seedCmd.Flags().Int("friends", 3, "friends per user")
	seedCmd.Flags().Int("posts", 5, "posts per user")
}
