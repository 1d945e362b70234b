// cmd/lvctl sends admin commands to a running livermore instance over
// its Redis control channel and prints the replies.
//
// The target is located by exchange id: the lease payload at
// exchange:{id}:status carries the instance identity that keys the
// command and response channels.
//
// Usage:
//
//	lvctl -exchange coinbase status
//	lvctl -exchange coinbase pause | resume | reload-settings
//	lvctl -exchange coinbase switch-mode <standard|conservative|aggressive>
//	lvctl -exchange coinbase add-symbol <SYMBOL>
//	lvctl -exchange coinbase remove-symbol <SYMBOL>
//	lvctl -exchange coinbase bulk-add-symbols <SYM,SYM,...>
//	lvctl -exchange coinbase force-backfill <SYMBOL> [tf,tf,...]
//	lvctl -exchange coinbase clear-cache <all|symbol|timeframe> [SYMBOL|TF]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"livermore/internal/cache"
	"livermore/internal/keys"
	"livermore/internal/logger"
	"livermore/internal/model"
)

func main() {
	exchangeID := flag.String("exchange", "", "target exchange id (required)")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	password := flag.String("password", "", "redis password")
	db := flag.Int("db", 0, "redis database")
	timeout := flag.Duration("timeout", 35*time.Second, "how long to wait for the reply")
	flag.Parse()

	if *exchangeID == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log := logger.New("lvctl", "error", true)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc, err := cache.New(ctx, &cache.Config{
		Addr:     *redisAddr,
		Password: *password,
		DB:       *db,
		Logger:   &log,
	})
	if err != nil {
		fatal("redis: %v", err)
	}
	defer svc.Close()

	status, err := fetchStatus(ctx, svc, *exchangeID)
	if err != nil {
		fatal("%v", err)
	}

	verb := flag.Arg(0)
	if verb == "status" {
		b, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(b))
		return
	}

	cmd, err := buildCommand(verb, flag.Args()[1:])
	if err != nil {
		fatal("%v", err)
	}
	if err := send(ctx, svc, status.Identity, cmd); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "lvctl: "+format+"\n", args...)
	os.Exit(1)
}

// fetchStatus reads the lease payload for the exchange. No payload
// means no live instance to command.
func fetchStatus(ctx context.Context, svc *cache.Service, exchangeID string) (*model.InstanceStatus, error) {
	raw, err := svc.Get(ctx, keys.InstanceStatus(exchangeID))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("no live instance holds the %q lease", exchangeID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading instance status: %w", err)
	}
	var status model.InstanceStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("parsing instance status: %w", err)
	}
	if status.Identity == "" {
		return nil, errors.New("instance status carries no identity")
	}
	return &status, nil
}

// buildCommand maps a CLI verb and its arguments onto the wire command.
func buildCommand(verb string, args []string) (*model.Command, error) {
	cmd := &model.Command{
		CorrelationID: uuid.NewString(),
		Type:          model.CommandType(verb),
		Timestamp:     time.Now().UnixMilli(),
	}

	var payload any
	switch cmd.Type {
	case model.CommandPause, model.CommandResume, model.CommandReloadSettings:
		// no payload

	case model.CommandSwitchMode:
		if len(args) != 1 {
			return nil, errors.New("switch-mode needs exactly one mode argument")
		}
		mode := model.RunMode(args[0])
		if !model.ValidRunMode(mode) {
			return nil, fmt.Errorf("unknown mode %q", args[0])
		}
		payload = model.SwitchModePayload{Mode: mode}

	case model.CommandAddSymbol:
		if len(args) != 1 {
			return nil, errors.New("add-symbol needs exactly one symbol argument")
		}
		payload = model.AddSymbolPayload{Symbol: args[0]}

	case model.CommandRemoveSymbol:
		if len(args) != 1 {
			return nil, errors.New("remove-symbol needs exactly one symbol argument")
		}
		payload = model.RemoveSymbolPayload{Symbol: args[0]}

	case model.CommandBulkAddSymbols:
		if len(args) != 1 {
			return nil, errors.New("bulk-add-symbols needs one comma-separated symbol list")
		}
		payload = model.BulkAddSymbolsPayload{Symbols: strings.Split(args[0], ",")}

	case model.CommandForceBackfill:
		if len(args) < 1 || len(args) > 2 {
			return nil, errors.New("force-backfill needs a symbol and an optional timeframe list")
		}
		p := model.ForceBackfillPayload{Symbol: args[0]}
		if len(args) == 2 {
			for _, raw := range strings.Split(args[1], ",") {
				tf, err := model.ParseTimeframe(strings.TrimSpace(raw))
				if err != nil {
					return nil, err
				}
				p.Timeframes = append(p.Timeframes, tf)
			}
		}
		payload = p

	case model.CommandClearCache:
		if len(args) < 1 {
			return nil, errors.New("clear-cache needs a scope: all, symbol or timeframe")
		}
		p := model.ClearCachePayload{Scope: model.ClearCacheScope(args[0])}
		switch p.Scope {
		case model.ClearScopeAll:
			if len(args) != 1 {
				return nil, errors.New("clear-cache all takes no further arguments")
			}
		case model.ClearScopeSymbol:
			if len(args) != 2 {
				return nil, errors.New("clear-cache symbol needs the symbol argument")
			}
			p.Symbol = args[1]
		case model.ClearScopeTimeframe:
			if len(args) != 2 {
				return nil, errors.New("clear-cache timeframe needs the timeframe argument")
			}
			tf, err := model.ParseTimeframe(args[1])
			if err != nil {
				return nil, err
			}
			p.Timeframe = tf
		default:
			return nil, fmt.Errorf("unknown clear-cache scope %q", args[0])
		}
		payload = p

	default:
		return nil, fmt.Errorf("unknown command %q", verb)
	}

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		cmd.Payload = b
	}
	return cmd, nil
}

// send publishes the command and follows its correlation id through
// ack and final reply.
func send(ctx context.Context, svc *cache.Service, identity string, cmd *model.Command) error {
	sub := svc.Subscribe(ctx, keys.Responses(identity))
	defer sub.Close()
	msgs := sub.Channel()

	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := svc.Publish(ctx, keys.Commands(identity), raw); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}
	fmt.Printf("sent %s  correlation=%s\n", cmd.Type, cmd.CorrelationID)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no reply for %s before the timeout", cmd.CorrelationID)
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("response subscription closed")
			}
			var resp model.CommandResponse
			if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
				continue
			}
			if resp.CorrelationID != cmd.CorrelationID {
				continue
			}
			switch resp.Status {
			case model.StatusAck:
				fmt.Println("acknowledged, executing...")
			case model.StatusSuccess:
				fmt.Println("success")
				if resp.Data != nil {
					b, _ := json.MarshalIndent(resp.Data, "", "  ")
					fmt.Println(string(b))
				}
				return nil
			case model.StatusError:
				return fmt.Errorf("instance replied: %s", resp.Message)
			}
		}
	}
}
