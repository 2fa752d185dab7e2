// loyaltyctl exercises the loyalty SDK from the command line. Each
// invocation assembles a full client over the configured storage backend, so
// identity and session state survive between runs the same way they would in
// an embedded app.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"loyalty-sdk/internal/client"
	"loyalty-sdk/internal/config"
	"loyalty-sdk/internal/fingerprint"
	"loyalty-sdk/internal/model"
)

var (
	sdk      *client.Client
	shopCode string
)

func main() {
	root := &cobra.Command{
		Use:           "loyaltyctl",
		Short:         "Loyalty platform client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if sdk != nil {
				return sdk.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&shopCode, "shop", "main", "shop code for cart operations")

	root.AddCommand(
		whoamiCmd(),
		loginCmd(),
		registerCmd(),
		logoutCmd(),
		cartCmd(),
		favCmd(),
		pushCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, assembles the client, and establishes an
// identity (restoring a persisted one when present).
func setup(ctx context.Context) error {
	logger := initLogger()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sdk, err = client.New(ctx, cfg, hostSignals(), logger)
	if err != nil {
		return err
	}
	return sdk.Init(ctx)
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := sdk.Identity()
			fmt.Printf("mode:        %s\n", id.Mode())
			fmt.Printf("fingerprint: %s\n", id.Fingerprint())
			if id.Mode() == model.ModeAuthenticated {
				p := id.Profile()
				fmt.Printf("user:        %s (%s)\n", p.UserID, p.Phone)
			} else {
				fmt.Printf("anonymous:   %s\n", id.AnonymousUserID())
			}
			if min := sdk.MinVersion(); min != "" {
				fmt.Printf("min version: %s\n", min)
			}
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <phone> <code>",
		Short: "Authenticate and migrate anonymous history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sdk.Login(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("logged in as %s\n", sdk.Identity().Profile().UserID)
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	var first, last string
	cmd := &cobra.Command{
		Use:   "register <phone> <code>",
		Short: "Create an account and migrate anonymous history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := sdk.Register(cmd.Context(), model.RegisterRequest{
				Phone: args[0], Code: args[1], FirstName: first, LastName: last,
			})
			if err != nil {
				return err
			}
			fmt.Printf("registered as %s\n", sdk.Identity().Profile().UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&first, "first-name", "", "first name")
	cmd.Flags().StringVar(&last, "last-name", "", "last name")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and return to anonymous mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sdk.Logout(cmd.Context())
		},
	}
}

func cartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Cart operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the cart",
		RunE: func(*cobra.Command, []string) error {
			lines := sdk.Cart().Lines()
			if len(lines) == 0 {
				fmt.Println("cart is empty")
				return nil
			}
			for _, line := range lines {
				mod := ""
				if line.Key.ModificationIndex != model.NoModification {
					mod = fmt.Sprintf(" mod=%d", line.Key.ModificationIndex)
				}
				fmt.Printf("%s @%s%s  x%d  %s\n",
					line.Key.ProductID, line.Key.ShopCode, mod,
					line.Quantity, model.FormatMinor(line.UnitPrice))
			}
			fmt.Printf("total: %d items, %s\n",
				sdk.Cart().TotalQuantity(), model.FormatMinor(sdk.Cart().TotalPrice()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <productId> <qty> [price]",
		Short: "Add quantity for a product, price in major units (e.g. 4.50)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(c *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			var price int64
			if len(args) == 3 {
				price = model.ParseCents(args[2])
			}
			return sdk.Cart().Add(c.Context(), cartKey(args[0]), qty, price)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <productId> <qty>",
		Short: "Set the absolute quantity (0 removes)",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			return sdk.Cart().SetQuantity(c.Context(), cartKey(args[0]), qty, 0)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <productId>",
		Short: "Remove a line",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return sdk.Cart().Remove(c.Context(), cartKey(args[0]))
		},
	})

	return cmd
}

func favCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fav",
		Short: "Favorites operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List favorites",
		RunE: func(*cobra.Command, []string) error {
			for _, id := range sdk.Cart().Favorites() {
				fmt.Println(id)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "toggle <productId>",
		Short: "Toggle favorite membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return sdk.Cart().ToggleFavorite(c.Context(), args[0])
		},
	})

	return cmd
}

func pushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push the local cart to the backend with minimal mutations",
		RunE: func(c *cobra.Command, _ []string) error {
			return sdk.Cart().SyncTo(c.Context())
		},
	}
}

func cartKey(productID string) model.CartKey {
	return model.CartKey{
		ProductID:         productID,
		ShopCode:          shopCode,
		ModificationIndex: model.NoModification,
	}
}

// hostSignals builds fingerprint signals for a CLI host. Overridable via env
// so two shells can act as two devices.
func hostSignals() fingerprint.Signals {
	ua := os.Getenv("DEVICE_USER_AGENT")
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0.0.0 Safari/537.36"
	}
	tz := os.Getenv("DEVICE_TIMEZONE")
	if tz == "" {
		tz = "Europe/Moscow"
	}
	lang := os.Getenv("DEVICE_LANGUAGE")
	if lang == "" {
		lang = "ru-RU"
	}
	return fingerprint.Signals{UserAgent: ua, Timezone: tz, Language: lang}
}

func initLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
