package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hlindberg/mqttproto/internal/mqtt"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "pub",
	Short: "Publish MQTT message",
	Long: `Publishes a message via MQTT

	`,
	Run: func(cmd *cobra.Command, args []string) {
		p := &publisher{}
		switch {
		case TestQoS1Resend:
			p.qos1ResendPublish()
		case TestQoS2Resend:
			p.qos2ResendPublish()
		default:
			p.standardPublish()
		}
	},

	Args: func(cmd *cobra.Command, args []string) error {
		if QoS < 0 || QoS > 2 {
			return fmt.Errorf("--qos must be between 0 and 2, got %d", QoS)
		}
		if KeepAliveSeconds < 0 {
			return fmt.Errorf("--keep_alive cannot be negative")
		}
		if TestQoS1Resend && TestQoS2Resend {
			return fmt.Errorf("--test_qos1_resend and --test_qos2_resend cannot be used at the same time")
		}
		if TestQoS1Resend && QoS != 1 {
			log.Debugf("QoS set to 1 since --test_qos1_resend was requested")
			QoS = 1
		}
		if TestQoS2Resend && QoS != 2 {
			log.Debugf("QoS set to 2 since --test_qos2_resend was requested")
			QoS = 2
		}
		return nil
	},
}

type publisher struct{}

func (p *publisher) dial() net.Conn {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%s", MQTTBroker, mqtt.UnencryptedPortTCP))
	if err != nil {
		panic(err)
	}
	return conn
}

func (p *publisher) clientName() string {
	if MQTTClientName == "" {
		MQTTClientName = mqtt.RandomClientID()
		log.Infof("Using generated client ID %s", MQTTClientName)
	}
	return MQTTClientName
}

// connectOptions returns the baseline Will/keepalive options shared by every CONNECT this
// command sends, with overrides appended last so callers can adjust CleanSession per phase.
func (p *publisher) connectOptions(overrides ...mqtt.ConnectOption) []mqtt.ConnectOption {
	opts := []mqtt.ConnectOption{
		mqtt.WillTopic(WillTopic),
		mqtt.WillMessage([]byte(WillMessage)),
		mqtt.WillQoS(WillQoS),
		mqtt.WillRetain(WillRetain),
		mqtt.KeepAliveSeconds(KeepAliveSeconds),
	}
	return append(opts, overrides...)
}

func (p *publisher) attachAndStart(session *mqtt.Session, conn net.Conn, overrides ...mqtt.ConnectOption) *mqtt.ProtocolHandler {
	handler := &mqtt.ProtocolHandler{}
	handler.Attach(session, mqtt.NewTCPStreamAdapter(conn))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handler.Start(ctx, p.connectOptions(overrides...)...); err != nil {
		panic(err)
	}
	return handler
}

func (p *publisher) publishMessage(handler *mqtt.ProtocolHandler) {
	ctx := context.Background()
	if _, err := handler.Publish(ctx, Topic, []byte(Message), QoS, Retain); err != nil {
		log.Errorf("publish failed: %s", err)
	}
}

func (p *publisher) publishFromFile(handler *mqtt.ProtocolHandler) {
	f, err := os.Open(FileName)
	if err != nil {
		panic(fmt.Sprintf("Cannot open file %s", FileName))
	}
	defer f.Close()

	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		panic(fmt.Sprintf("Cannot read CSV from %s: %s", FileName, err))
	}
	ctx := context.Background()
	for _, r := range all {
		if _, err := handler.Publish(ctx, r[0], []byte(r[1]), QoS, false); err != nil {
			log.Errorf("publish of %q failed: %s", r[0], err)
		}
	}
}

func (p *publisher) publishGivenMessage(handler *mqtt.ProtocolHandler) {
	if FileName == "" {
		p.publishMessage(handler)
	} else {
		p.publishFromFile(handler)
	}
}

// endConnection closes the connection: a graceful DISCONNECT by default, or an abrupt Stop
// (leaving any Will message armed) when --test_no_disconnect is set.
func (p *publisher) endConnection(handler *mqtt.ProtocolHandler) {
	var err error
	if TestNoDisconnect {
		err = handler.Stop()
	} else {
		err = handler.Disconnect(context.Background())
	}
	if err != nil {
		log.Warnf("error closing connection: %s", err)
	}
}

func (p *publisher) standardPublish() {
	conn := p.dial()
	clientName := p.clientName()
	session := mqtt.NewSession(clientName)
	handler := p.attachAndStart(session, conn, mqtt.CleanSession(true))
	p.publishGivenMessage(handler)
	p.endConnection(handler)
}

// qos1ResendPublish runs the QoS 1 retry-on-reconnect sequence: publish, tear the first
// connection down abruptly (no DISCONNECT), then reconnect with CleanSession(false), which
// replays whatever is still in the session's InflightOut with DUP set. Publish returns only
// after the broker's PUBACK, so a message whose handshake completed is not resent.
func (p *publisher) qos1ResendPublish() {
	conn := p.dial()
	clientName := p.clientName()
	session := mqtt.NewSession(clientName)
	handler := p.attachAndStart(session, conn, mqtt.CleanSession(true))
	p.publishGivenMessage(handler)
	_ = handler.Stop() // abrupt: no DISCONNECT is sent
	conn.Close()

	conn = p.dial()
	handler = p.attachAndStart(session, conn, mqtt.CleanSession(false))
	p.endConnection(handler)
}

// qos2ResendPublish runs the QoS 2 retry-on-reconnect sequence: publish, drop the connection
// without DISCONNECT, reconnect with CleanSession(false) and drop again, then reconnect a final
// time and disconnect. Each reconnect replays what is still in InflightOut (PUBLISH with DUP
// before PUBREC, PUBREL after it). Publish returns only after PUBCOMP, so a message whose
// handshake completed is not resent.
func (p *publisher) qos2ResendPublish() {
	conn := p.dial()
	clientName := p.clientName()
	session := mqtt.NewSession(clientName)
	handler := p.attachAndStart(session, conn, mqtt.CleanSession(true))
	p.publishGivenMessage(handler)
	_ = handler.Stop()
	conn.Close()

	conn = p.dial()
	handler = p.attachAndStart(session, conn, mqtt.CleanSession(false))
	_ = handler.Stop()
	conn.Close()

	conn = p.dial()
	handler = p.attachAndStart(session, conn, mqtt.CleanSession(false))
	p.endConnection(handler)
}

// MQTTBroker is the MQTT host to dial (port 1883 is appended)
var MQTTBroker string

// MQTTClientName is the MQTT client name - a short UUID by default
var MQTTClientName string

// Topic is the MQTT topic to publish to
var Topic string

// Message is the MQTT message text to publish
var Message string

// KeepAliveSeconds is the MQTT number of seconds to keep a connection alive
var KeepAliveSeconds int

// QoS is the MQTT quality of service to publish at
var QoS int

// FileName the name of a file to read instead of using --topic and --message
var FileName string

// Retain indicates if the published message should be retained
var Retain bool

// WillMessage is the MQTT message text to send on a dirty disconnect
var WillMessage string

// WillTopic is the MQTT topic of the will message sent on a dirty disconnect
var WillTopic string

// WillQoS is the QoS for the delivery of the WILL message
var WillQoS int

// WillRetain is the retain flag for the WILL message publishing
var WillRetain bool

// TestNoDisconnect if true no DISCONNECT is sent thereby allowing WILL features to be tested
var TestNoDisconnect bool

// TestQoS1Resend if true 2 phases are run: publish and drop without DISCONNECT, then reconnect
// with clean=false, resending with DUP any message still inflight
var TestQoS1Resend bool

// TestQoS2Resend if true 3 phases are run: publish and drop, reconnect and drop, reconnect and
// DISCONNECT; each reconnect uses clean=false and resends any message still inflight
var TestQoS2Resend bool

func init() {
	RootCmd.AddCommand(publishCmd)
	flags := publishCmd.PersistentFlags()

	flags.StringVarP(&MQTTBroker,
		"broker", "b", "localhost", "the MQTT Broker host to connect to (default 'localhost')")
	flags.StringVarP(&MQTTClientName,
		"client", "c", "", "the MQTT client name to use - default is a short UUID")
	flags.StringVarP(&FileName,
		"file", "f", "", "File with CSV <topic, message> lines to publish")
	flags.IntVarP(&KeepAliveSeconds,
		"keep_alive", "", 0, "sets the number of seconds to keep a connection alive")
	flags.StringVarP(&Message,
		"message", "m", "", "the message to send")
	flags.StringVarP(&Topic,
		"topic", "t", "test", "the MQTT topic to send message to (default 'test')")
	flags.IntVarP(&QoS,
		"qos", "q", 0, "Quality of service 0-2 (default 0)")
	flags.BoolVarP(&Retain,
		"retain", "r", false, "If message should be retained")
	flags.StringVarP(&WillMessage,
		"wmessage", "", "", "the will message to send when disconnect is not clean")
	flags.IntVarP(&WillQoS,
		"wqos", "", 0, "Quality of service 0-2 (default 0) for publishing of WILL message")
	flags.BoolVarP(&WillRetain,
		"wretain", "", false, "If WILL message should be retained")
	flags.StringVarP(&WillTopic,
		"wtopic", "", "", "the topic for a will message to send when disconnect is not clean")

	// Options for testing unclean operations
	flags.BoolVarP(&TestNoDisconnect,
		"test_no_disconnect", "", false, "do not send DISCONNECT to test WILL features")
	flags.BoolVarP(&TestQoS1Resend,
		"test_qos1_resend", "", false, "Performs: CONNECT, publish, drop connection, CONNECT with clean=false, resend of anything still inflight, DISCONNECT")
	flags.BoolVarP(&TestQoS2Resend,
		"test_qos2_resend", "", false, "Performs: CONNECT, publish, drop, reconnect, drop, reconnect, DISCONNECT; reconnects use clean=false and resend anything still inflight")
}
