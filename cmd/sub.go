package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hlindberg/mqttproto/internal/mqtt"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var subscribeCmd = &cobra.Command{
	Use:   "sub",
	Short: "Subscribe to MQTT topics and print delivered messages",
	Long: `Subscribes to one or more MQTT topic filters and prints every message
delivered by the broker until interrupted.

If the connection drops, the command reconnects with a non-clean session so
any QoS 1/2 messages left inflight are replayed, backing off between dial
attempts with a token bucket rather than hammering the broker.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("sub requires at least one topic filter")
		}
		if SubQoS < 0 || SubQoS > 2 {
			return fmt.Errorf("--qos must be between 0 and 2, got %d", SubQoS)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		runSubscriber(args)
	},
}

// SubQoS is the requested QoS for the subscription.
var SubQoS int

// SubClientName is the MQTT client name to use - default is a short UUID.
var SubClientName string

// SubReconnectPerMinute caps how many dial attempts the subscriber makes per minute.
var SubReconnectPerMinute int

func init() {
	RootCmd.AddCommand(subscribeCmd)
	flags := subscribeCmd.PersistentFlags()
	flags.StringVarP(&MQTTBroker, "broker", "b", "localhost", "the MQTT Broker host to connect to")
	flags.StringVarP(&SubClientName, "client", "c", "", "the MQTT client name to use - default is a short UUID")
	flags.IntVarP(&SubQoS, "qos", "q", 0, "Quality of service 0-2 (default 0)")
	flags.IntVarP(&SubReconnectPerMinute, "reconnect_per_minute", "", 12, "maximum reconnect attempts per minute")
}

func runSubscriber(filters []string) {
	clientName := SubClientName
	if clientName == "" {
		clientName = mqtt.RandomClientID()
		log.Infof("Using generated client ID %s", clientName)
	}
	session := mqtt.NewSession(clientName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(SubReconnectPerMinute)), 1)
	cleanSession := true

	for ctx.Err() == nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		handler, err := connectAndSubscribe(ctx, session, clientName, filters, cleanSession)
		if err != nil {
			log.Warnf("connect failed, will retry: %s", err)
			cleanSession = false
			continue
		}
		cleanSession = false
		drainMessages(ctx, handler)
		_ = handler.Stop()
	}
}

func connectAndSubscribe(ctx context.Context, session *mqtt.Session, clientName string, filters []string, cleanSession bool) (*mqtt.ProtocolHandler, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%s", MQTTBroker, mqtt.UnencryptedPortTCP))
	if err != nil {
		return nil, err
	}
	handler := &mqtt.ProtocolHandler{}
	handler.Attach(session, mqtt.NewTCPStreamAdapter(conn))

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := handler.Start(startCtx, mqtt.ClientName(clientName), mqtt.CleanSession(cleanSession)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := handler.Subscribe(startCtx, filters, SubQoS); err != nil {
		_ = handler.Stop()
		return nil, err
	}
	return handler, nil
}

// drainMessages prints messages until the connection drops (handler.Done()) or the process is
// asked to stop (ctx). DeliverNext alone only reacts to ctx, so a connCtx derived from both is
// used to unblock it as soon as the connection goes away.
func drainMessages(ctx context.Context, handler *mqtt.ProtocolHandler) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-handler.Done():
			cancel()
		case <-connCtx.Done():
		}
	}()

	for {
		msg, err := handler.DeliverNext(connCtx)
		if err != nil {
			return
		}
		fmt.Printf("%s (qos=%d retain=%v): %s\n", msg.Topic, msg.QoS, msg.Retain, string(msg.Payload))
	}
}
