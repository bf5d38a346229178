// Package mqtt connects the controller to an MQTT broker.
//
// The controller publishes register state, joint and sensor readings and
// loop status under the graybot/ prefix, and accepts register writes on
// graybot/command/{device}/{register}. See Topics for the full hierarchy.
//
// The client manages:
//   - Connection with auto-reconnect and exponential backoff
//   - A retained online/offline status with a Last Will
//   - Subscriptions restored after reconnection
//   - Panic recovery around message handlers
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.State("d01"), values, true)
//
// Broker-backed tests are behind the integration build tag:
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...
package mqtt
