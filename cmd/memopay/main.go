package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "balance":
		err = cmdBalance(ctx, os.Args[2:])
	case "fund":
		err = cmdFund(ctx, os.Args[2:])
	case "activate":
		err = cmdActivate(ctx, os.Args[2:])
	case "request":
		err = cmdRequest(ctx, os.Args[2:])
	case "provide":
		err = cmdProvide(ctx, os.Args[2:])
	case "demo":
		err = cmdDemo(ctx, os.Args[2:])
	case "inspect":
		err = cmdInspect(ctx, os.Args[2:])
	case "version":
		fmt.Printf("memopay v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`memopay v` + version + ` - pay-per-call agent services settled in ledger memos

Usage: memopay <command> [flags]

Commands:
  balance    Show both agents' balances
  fund       Request faucet funds for an agent
  activate   Activate a funded agent account
  request    Buy one service call as the requester
  provide    Serve service calls as the provider
  demo       Run requester and provider against each other
  inspect    Rebuild a session from its transaction signatures
  version    Print version
  help       Show this help

Common flags:
  --config string   YAML config file (default: built-in devnet settings)
  --listen string   Serve the status API on this address

Environment:
  MEMOPAY_RPC_URL, MEMOPAY_REQUESTER_KEYPAIR, MEMOPAY_PROVIDER_KEYPAIR,
  MEMOPAY_REDIS_ADDR, MEMOPAY_JOURNAL, MEMOPAY_POSTGRES_URL, MEMOPAY_LOG_LEVEL
  (a .env file in the working directory is loaded first)

Examples:
  memopay fund --role requester --sol 1
  memopay demo --input hello_solana_hackathon
  memopay provide --loop --listen :9090
  memopay inspect <request-sig> --response <sig> --proof <sig>`)
}
