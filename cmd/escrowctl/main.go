// escrowctl is a small command-line client for driving an escrowd node
// through its REST API. Intended for development and operations, not as a
// user-facing tool.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

var baseURL string

func main() {
	flag.StringVar(&baseURL, "url", envOr("ESCROWD_URL", "http://localhost:8080"), "escrowd API base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "create-order":
		err = createOrder(args[1:])
	case "accept-offer":
		err = acceptOffer(args[1:])
	case "accept":
		err = accept(args[1:])
	case "sign":
		err = sign(args[1:])
	case "cancel-ticket":
		err = cancelTicket(args[1:])
	case "cancel-order":
		err = cancelOrder(args[1:])
	case "close-order":
		err = closeOrder(args[1:])
	case "open-account":
		err = openAccount(args[1:])
	case "get":
		err = get(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: escrowctl [-url URL] <command> [flags]

commands:
  create-order  -creator A -asset S -id N -side asset_seller|currency_buyer -target N [-ref N] [-funding A]
  accept-offer  -locker A -creator A -asset S -id N -ticket N -side SIDE -target N -ref N -funding A [-counterparty A]
  accept        -order KEY -acceptor A -id N -amount N [-funding A]
  sign          -order KEY -id N -signer A [-payout A]
  cancel-ticket -order KEY -id N -canceller A [-refund A]
  cancel-order  -order KEY -creator A [-refund A]
  close-order   -order KEY -closer A
  open-account  -owner A -asset S [-amount N]
  get           orders | order KEY | tickets KEY | account ID | deposits A`)
}

func createOrder(args []string) error {
	fs := flag.NewFlagSet("create-order", flag.ExitOnError)
	creator := fs.String("creator", "", "creator address")
	asset := fs.String("asset", "", "asset symbol")
	id := fs.Uint64("id", 0, "order id")
	side := fs.String("side", "asset_seller", "order side")
	target := fs.Uint64("target", 0, "target amount (base units)")
	ref := fs.Uint64("ref", 0, "off-ledger reference amount")
	funding := fs.String("funding", "", "funding account (seller side)")
	fs.Parse(args)

	return post("/api/v1/orders", map[string]interface{}{
		"creator":        *creator,
		"asset":          *asset,
		"orderId":        *id,
		"side":           *side,
		"targetAmount":   *target,
		"refAmount":      *ref,
		"fundingAccount": *funding,
	})
}

func acceptOffer(args []string) error {
	fs := flag.NewFlagSet("accept-offer", flag.ExitOnError)
	locker := fs.String("locker", "", "asset holder locking the funds")
	creator := fs.String("creator", "", "offer creator address")
	counterparty := fs.String("counterparty", "", "payer address (seller side)")
	asset := fs.String("asset", "", "asset symbol")
	id := fs.Uint64("id", 0, "order id")
	ticket := fs.Uint64("ticket", 0, "ticket id")
	side := fs.String("side", "asset_seller", "order side")
	target := fs.Uint64("target", 0, "target amount (base units)")
	ref := fs.Uint64("ref", 0, "off-ledger reference amount")
	funding := fs.String("funding", "", "locker's funding account")
	fs.Parse(args)

	return post("/api/v1/offers", map[string]interface{}{
		"locker":         *locker,
		"creator":        *creator,
		"counterparty":   *counterparty,
		"asset":          *asset,
		"orderId":        *id,
		"ticketId":       *ticket,
		"side":           *side,
		"targetAmount":   *target,
		"refAmount":      *ref,
		"fundingAccount": *funding,
	})
}

func accept(args []string) error {
	fs := flag.NewFlagSet("accept", flag.ExitOnError)
	order := fs.String("order", "", "order key")
	acceptor := fs.String("acceptor", "", "acceptor address")
	id := fs.Uint64("id", 0, "ticket id")
	amount := fs.Uint64("amount", 0, "reservation amount")
	funding := fs.String("funding", "", "funding account (buyer side)")
	fs.Parse(args)

	return post("/api/v1/orders/"+*order+"/tickets", map[string]interface{}{
		"acceptor":       *acceptor,
		"ticketId":       *id,
		"amount":         *amount,
		"fundingAccount": *funding,
	})
}

func sign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	order := fs.String("order", "", "order key")
	id := fs.Uint64("id", 0, "ticket id")
	signer := fs.String("signer", "", "signer address")
	payout := fs.String("payout", "", "payout account (holder side)")
	fs.Parse(args)

	return post(fmt.Sprintf("/api/v1/orders/%s/tickets/%d/sign", *order, *id), map[string]interface{}{
		"signer":        *signer,
		"payoutAccount": *payout,
	})
}

func cancelTicket(args []string) error {
	fs := flag.NewFlagSet("cancel-ticket", flag.ExitOnError)
	order := fs.String("order", "", "order key")
	id := fs.Uint64("id", 0, "ticket id")
	canceller := fs.String("canceller", "", "canceller address")
	refund := fs.String("refund", "", "refund account")
	fs.Parse(args)

	return post(fmt.Sprintf("/api/v1/orders/%s/tickets/%d/cancel", *order, *id), map[string]interface{}{
		"canceller":     *canceller,
		"refundAccount": *refund,
	})
}

func cancelOrder(args []string) error {
	fs := flag.NewFlagSet("cancel-order", flag.ExitOnError)
	order := fs.String("order", "", "order key")
	creator := fs.String("creator", "", "creator address")
	refund := fs.String("refund", "", "refund account")
	fs.Parse(args)

	return post("/api/v1/orders/"+*order+"/cancel", map[string]interface{}{
		"creator":       *creator,
		"refundAccount": *refund,
	})
}

func closeOrder(args []string) error {
	fs := flag.NewFlagSet("close-order", flag.ExitOnError)
	order := fs.String("order", "", "order key")
	closer := fs.String("closer", "", "closer address")
	fs.Parse(args)

	return post("/api/v1/orders/"+*order+"/close", map[string]interface{}{
		"closer": *closer,
	})
}

func openAccount(args []string) error {
	fs := flag.NewFlagSet("open-account", flag.ExitOnError)
	owner := fs.String("owner", "", "owner address")
	asset := fs.String("asset", "", "asset symbol")
	amount := fs.Uint64("amount", 0, "initial credit")
	fs.Parse(args)

	return post("/api/v1/accounts", map[string]interface{}{
		"owner":  *owner,
		"asset":  *asset,
		"amount": *amount,
	})
}

func get(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("get: missing resource")
	}
	var path string
	switch args[0] {
	case "orders":
		path = "/api/v1/orders"
	case "order":
		path = "/api/v1/orders/" + args[1]
	case "tickets":
		path = "/api/v1/orders/" + args[1] + "/tickets"
	case "account":
		path = "/api/v1/accounts/" + args[1]
	case "deposits":
		path = "/api/v1/deposits/" + args[1]
	default:
		return fmt.Errorf("get: unknown resource %q", args[0])
	}

	resp, err := http.Get(baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return show(resp)
}

func post(path string, body map[string]interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return show(resp)
}

func show(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// Re-indent for the terminal; pass through as-is if not JSON.
	var buf bytes.Buffer
	if json.Indent(&buf, data, "", "  ") == nil {
		data = buf.Bytes()
	}
	fmt.Println(string(data))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
