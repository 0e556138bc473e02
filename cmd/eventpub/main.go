// Command eventpub publishes a tenant event envelope to the backplane, the
// same way backend services do, and can mint a development token for
// connecting a client to the gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/irep/realtime_gateway/internal/auth"
	"github.com/irep/realtime_gateway/internal/backplane"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	redisURL  string
	tenant    string
	event     string
	data      string
	raw       bool
	mintToken bool
	jwtKey    string
	userID    string
	ttl       time.Duration
	timeout   time.Duration
}

func run(args []string) error {
	_ = godotenv.Load()

	var opts options
	flagSet := pflag.NewFlagSet("eventpub", pflag.ContinueOnError)
	flagSet.StringVar(&opts.redisURL, "redis-url", os.Getenv("GATEWAY_REDIS_URL"), "backplane redis url")
	flagSet.StringVarP(&opts.tenant, "tenant", "t", "", "tenant id (required)")
	flagSet.StringVarP(&opts.event, "event", "e", "", "event kind, e.g. task_updated")
	flagSet.StringVarP(&opts.data, "data", "d", "", "event payload as JSON")
	flagSet.BoolVar(&opts.raw, "raw", false, "publish --data verbatim as the whole envelope")
	flagSet.BoolVar(&opts.mintToken, "mint-token", false, "print a signed client token for --tenant instead of publishing")
	flagSet.StringVar(&opts.jwtKey, "jwt-key", os.Getenv("GATEWAY_JWT_KEY"), "HMAC secret used by --mint-token")
	flagSet.StringVar(&opts.userID, "user", "eventpub", "user id claim used by --mint-token")
	flagSet.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime used by --mint-token")
	flagSet.DurationVar(&opts.timeout, "timeout", 5*time.Second, "publish timeout")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if opts.tenant == "" {
		return fmt.Errorf("--tenant is required")
	}

	if opts.mintToken {
		return mintToken(opts)
	}
	return publish(opts)
}

func mintToken(opts options) error {
	v, err := auth.NewValidator([]byte(opts.jwtKey))
	if err != nil {
		return fmt.Errorf("--jwt-key: %w", err)
	}
	token, err := v.Issue(auth.Identity{UserID: opts.userID, TenantID: opts.tenant}, opts.ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func publish(opts options) error {
	if opts.redisURL == "" {
		return fmt.Errorf("--redis-url or GATEWAY_REDIS_URL is required")
	}
	redisOpts, err := redis.ParseURL(opts.redisURL)
	if err != nil {
		return fmt.Errorf("--redis-url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	pub := backplane.NewPublisher(rdb)
	var receivers int64
	if opts.raw {
		receivers, err = pub.PublishRaw(ctx, opts.tenant, []byte(opts.data))
	} else {
		env := backplane.Envelope{Event: opts.event}
		if opts.data != "" {
			env.Data = json.RawMessage(opts.data)
		}
		receivers, err = pub.Publish(ctx, opts.tenant, env)
	}
	if err != nil {
		return err
	}

	channel, _ := backplane.ChannelName(opts.tenant)
	fmt.Printf("published to %s (%d gateway subscribers)\n", channel, receivers)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `eventpub publishes an event envelope on tenant:<id>:updates.

Usage:
  eventpub --tenant <id> --event <kind> [--data '<json>']
  eventpub --tenant <id> --raw --data '{"event":"task_updated","data":{}}'
  eventpub --tenant <id> --mint-token [--user <id>] [--ttl 1h]

Flags:
%s`, flagSet.FlagUsages())
}
