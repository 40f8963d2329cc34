package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoToken = errors.New("driver has no push token")

// MessageSender is the part of *messaging.Client the dispatcher uses.
type MessageSender interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
}

// FCMDispatcher sends trip offers as FCM data messages.
type FCMDispatcher struct {
	Client MessageSender
}

func NewFCMDispatcher(client MessageSender) *FCMDispatcher {
	return &FCMDispatcher{Client: client}
}

func (f *FCMDispatcher) Offer(ctx context.Context, token string, offer models.Offer) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"type":          "trip_offer",
			"passenger_uid": offer.PassengerUID,
			"pickup_lat":    strconv.FormatFloat(offer.Pickup.Lat, 'f', 6, 64),
			"pickup_lng":    strconv.FormatFloat(offer.Pickup.Lon, 'f', 6, 64),
			"dropoff_lat":   strconv.FormatFloat(offer.Destination.Lat, 'f', 6, 64),
			"dropoff_lng":   strconv.FormatFloat(offer.Destination.Lon, 'f', 6, 64),
			"eta_seconds":   strconv.FormatFloat(offer.ETASeconds, 'f', 0, 64),
		},
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup %.1f km away", offer.DistanceKm),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	id, err := f.Client.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("sending FCM offer for %s: %w", offer.PassengerUID, err)
	}
	return id, nil
}
