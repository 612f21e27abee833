package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/heysubinoy/kvapi/internal/api"
)

const defaultAddr = "127.0.0.1:9090"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addrs := serverAddrs(os.Getenv("KV_ADDR"))

	command := os.Args[1]

	var token string
	if command == "set" || command == "delete" {
		token = readToken()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch command {
	case "get":
		if len(os.Args) < 3 {
			fmt.Println("Usage: kv-cli get <id>")
			os.Exit(1)
		}
		onAnyServer(addrs, token, func(c *api.Client) error { return handleGet(ctx, c, os.Args[2]) })

	case "set":
		if len(os.Args) < 3 {
			fmt.Println("Usage: kv-cli set <id> [value]")
			os.Exit(1)
		}
		var value *string
		if len(os.Args) > 3 {
			value = &os.Args[3]
		}
		onAnyServer(addrs, token, func(c *api.Client) error { return handleSet(ctx, c, os.Args[2], value) })

	case "delete":
		if len(os.Args) < 3 {
			fmt.Println("Usage: kv-cli delete <id>")
			os.Exit(1)
		}
		onAnyServer(addrs, token, func(c *api.Client) error { return handleDelete(ctx, c, os.Args[2]) })

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// serverAddrs splits a comma-separated KV_ADDR value.
func serverAddrs(v string) []string {
	var addrs []string
	for _, a := range strings.Split(v, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return []string{defaultAddr}
	}
	return addrs
}

// onAnyServer runs call against each server in turn until one is not a
// Raft follower refusing the write.
func onAnyServer(addrs []string, token string, call func(*api.Client) error) {
	var err error
	for _, addr := range addrs {
		// Connect to gRPC server using passthrough resolver for direct address connection
		conn, cerr := grpc.NewClient("passthrough:///"+addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if cerr != nil {
			log.Fatalf("Failed to connect to %s: %v", addr, cerr)
		}
		err = call(api.NewClient(conn, token))
		conn.Close()

		leader, notLeader := api.NotLeader(err)
		if !notLeader {
			break
		}
		if leader != "" {
			fmt.Fprintf(os.Stderr, "%s is not the leader (leader raft address %s)\n", addr, leader)
		} else {
			fmt.Fprintf(os.Stderr, "%s is not the leader\n", addr)
		}
	}
	if err != nil {
		log.Fatal(err)
	}
}

// readToken takes the token from API_TOKEN, or prompts for it when stdin
// is a terminal.
func readToken() string {
	if v := os.Getenv("API_TOKEN"); v != "" {
		return v
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "API token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatalf("Reading token: %v", err)
	}
	return strings.TrimSpace(string(b))
}

func handleGet(ctx context.Context, client *api.Client, id string) error {
	value, found, err := client.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get failed: %w", err)
	}

	switch {
	case !found:
		fmt.Printf("Id '%s' not found\n", id)
		os.Exit(1)
	case value == nil:
		fmt.Println("null")
	default:
		fmt.Println(*value)
	}
	return nil
}

func handleSet(ctx context.Context, client *api.Client, id string, value *string) error {
	if err := client.Set(ctx, id, value); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	if value == nil {
		fmt.Printf("Set '%s' = null\n", id)
		return nil
	}
	fmt.Printf("Set '%s' = '%s'\n", id, *value)
	return nil
}

func handleDelete(ctx context.Context, client *api.Client, id string) error {
	if err := client.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	fmt.Printf("Deleted '%s'\n", id)
	return nil
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  kv-cli get <id>")
	fmt.Println("  kv-cli set <id> [value]")
	fmt.Println("  kv-cli delete <id>")
	fmt.Println("")
	fmt.Println("Environment variables:")
	fmt.Println("  KV_ADDR   - comma-separated gRPC addresses; writes go to the first that is the leader (default: " + defaultAddr + ")")
	fmt.Println("  API_TOKEN - token for set and delete (prompted when unset)")
}
