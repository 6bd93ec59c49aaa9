package notify

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the notification dispatchers based on flags. Notifications
// are always logged; a webhook and an AMQP exchange can be added.
func Configured() *Multi {
	webhookURL := lflag.String("notify-webhook-url", "", "URL that receives notification events as JSON POSTs")
	amqpURL := lflag.String("notify-amqp-url", "", "RabbitMQ URL to publish notification events to")
	exchange := lflag.String("notify-amqp-exchange", DefaultExchange, "Topic exchange for notification events")

	m := &Multi{}

	lflag.Do(func() {
		m.add(LogDispatcher{})
		if *webhookURL != "" {
			m.add(NewWebhookDispatcher(*webhookURL))
		}
		if *amqpURL != "" {
			d, err := DialAMQP(*amqpURL, *exchange)
			if err != nil {
				panic(fmt.Sprintf("amqp notifications init failed: %v", err))
			}
			m.add(d)
		}
	})

	return m
}
