package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/mqttkit/broker"
	"github.com/mqttkit/broker/packet"
)

type logObserver struct{}

func (logObserver) Observe(u broker.Update) {
	switch u.Kind {
	case broker.UpdateConnected:
		log.Printf("connected")
	case broker.UpdateSubscribed:
		log.Printf("subscribed: %v", u.Results)
	case broker.UpdateUnsubscribed:
		log.Printf("unsubscribed")
	case broker.UpdatePublished:
		log.Printf("published")
	case broker.UpdatePublish:
		log.Printf("message: %s: %s", u.Message.TopicName, u.Message.Content)
	case broker.UpdateInternalError:
		log.Printf("error: %v", u.Err)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	addr := flag.String("addr", "127.0.0.1:1883", "broker address")
	clientID := flag.String("id", "mqttc", "client identifier")
	topic := flag.String("topic", "a/b/c", "topic filter to subscribe")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := broker.NewClient(*addr, *clientID, logObserver{})
	client.KeepAlive = 30

	go func() {
		time.Sleep(500 * time.Millisecond)
		if err := client.Subscribe([]packet.Filter{{TopicFilter: *topic, QoS: 1}}); err != nil {
			log.Printf("subscribe: %v", err)
		}
	}()

	if err := client.Run(ctx); err != nil {
		log.Fatalf("mqttc: %v", err)
	}
}
