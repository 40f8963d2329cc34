package dispatch

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// PushDispatcher delivers over the driver's socket when one is open and
// falls back to FCM otherwise.
type PushDispatcher struct {
	WS  *WSRegistry    // optional
	FCM *FCMDispatcher // optional
}

func NewPushDispatcher(ws *WSRegistry, fcm *FCMDispatcher) *PushDispatcher {
	return &PushDispatcher{WS: ws, FCM: fcm}
}

// Notify returns the channel that carried the offer.
func (p *PushDispatcher) Notify(ctx context.Context, driver models.User, offer models.Offer) (string, error) {
	var wsErr error = ErrNoSession
	if p.WS != nil {
		if wsErr = p.WS.Offer(driver.UID, offer); wsErr == nil {
			observability.OffersSent.WithLabelValues("ws").Inc()
			return "ws", nil
		}
	}
	if p.FCM == nil {
		return "", wsErr
	}
	if _, err := p.FCM.Offer(ctx, driver.PushToken, offer); err != nil {
		return "", errors.Join(wsErr, err)
	}
	observability.OffersSent.WithLabelValues("fcm").Inc()
	return "fcm", nil
}
