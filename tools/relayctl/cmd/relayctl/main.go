package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/tools/relayctl"
)

func main() {
	url := flag.String("url", "ws://localhost:4000/ws", "relay websocket url")
	token := flag.String("token", "", "pre-issued JWT; overrides -secret")
	secret := flag.String("secret", os.Getenv("RELAY_JWT_SECRET"), "JWT secret used to issue a development token")
	issuer := flag.String("issuer", os.Getenv("RELAY_JWT_ISSUER"), "JWT issuer claim")
	user := flag.String("user", "", "user id placed in the development token")
	role := flag.String("role", "ADMIN", "role placed in the development token")
	chat := flag.String("chat", "", "chat message to send after authenticating")
	to := flag.String("to", "", "recipient user id for -chat; empty broadcasts")
	batch := flag.String("batch", "", "batch id for a location update")
	warehouse := flag.String("warehouse", "", "warehouse id for a location update")
	lat := flag.String("lat", "", "latitude for a location update")
	lng := flag.String("lng", "", "longitude for a location update")
	listen := flag.Duration("listen", 5*time.Second, "how long to print inbound frames")
	noColor := flag.Bool("no-color", false, "disable coloured output")
	flag.Parse()

	opts := relayctl.Options{
		URL:         *url,
		Token:       *token,
		Secret:      *secret,
		Issuer:      *issuer,
		UserID:      *user,
		Role:        protocol.ParseRole(*role),
		Chat:        *chat,
		Recipient:   *to,
		BatchID:     *batch,
		WarehouseID: *warehouse,
		Listen:      *listen,
		Out:         os.Stdout,
		NoColor:     *noColor,
	}
	var err error
	if opts.Lat, err = parseCoord(*lat); err != nil {
		fmt.Fprintln(os.Stderr, "invalid -lat:", err)
		os.Exit(2)
	}
	if opts.Lng, err = parseCoord(*lng); err != nil {
		fmt.Fprintln(os.Stderr, "invalid -lng:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := relayctl.Run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseCoord(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
