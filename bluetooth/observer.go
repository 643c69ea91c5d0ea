package bluetooth

// Observer receives device notifications. Methods are called synchronously
// from the device goroutine and must not call back into the Device.
type Observer interface {
	ConnectionChanged(connected bool)
	ReconnectionChanged(reconnecting bool)
	ScreenUpdated()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnConnectionChange   func(connected bool)
	OnReconnectionChange func(reconnecting bool)
	OnScreenUpdate       func()
}

func (o ObserverFuncs) ConnectionChanged(connected bool) {
	if o.OnConnectionChange != nil {
		o.OnConnectionChange(connected)
	}
}

func (o ObserverFuncs) ReconnectionChanged(reconnecting bool) {
	if o.OnReconnectionChange != nil {
		o.OnReconnectionChange(reconnecting)
	}
}

func (o ObserverFuncs) ScreenUpdated() {
	if o.OnScreenUpdate != nil {
		o.OnScreenUpdate()
	}
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (os Observers) ConnectionChanged(connected bool) {
	for _, o := range os {
		o.ConnectionChanged(connected)
	}
}

func (os Observers) ReconnectionChanged(reconnecting bool) {
	for _, o := range os {
		o.ReconnectionChanged(reconnecting)
	}
}

func (os Observers) ScreenUpdated() {
	for _, o := range os {
		o.ScreenUpdated()
	}
}
