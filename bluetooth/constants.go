package bluetooth

import "time"

const (
	BLUEZ_BUS_NAME                 = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE        = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE         = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE_INTERFACE   = "org.bluez.GattService1"
	BLUEZ_GATT_CHAR_INTERFACE      = "org.bluez.GattCharacteristic1"
	DBUS_PROPERTIES_INTERFACE      = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER_INTERFACE  = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_CHANGED_SIGNAL = DBUS_PROPERTIES_INTERFACE + ".PropertiesChanged"
)

// Service and characteristic UUIDs exposed by the synth firmware.
const (
	SynthServiceUUID        = "6ceba000-76de-441e-89bc-0de0079db615"
	CommandCharUUID         = "6ceba001-76de-441e-89bc-0de0079db615"
	ScreenCharUUID          = "6ceba002-76de-441e-89bc-0de0079db615"
	ScreenChangedCharUUID   = "6ceba003-76de-441e-89bc-0de0079db615"
	ScreenFragment0CharUUID = "6ceba021-76de-441e-89bc-0de0079db615"
	ScreenFragment1CharUUID = "6ceba022-76de-441e-89bc-0de0079db615"
	ScreenFragment2CharUUID = "6ceba023-76de-441e-89bc-0de0079db615"
	ScreenFragment3CharUUID = "6ceba024-76de-441e-89bc-0de0079db615"

	// Fallback match when a peer does not advertise the service UUID.
	DeviceNamePrefix = "synth"
)

// FragmentCharUUIDs lists the push-mode fragment characteristics in slot order.
var FragmentCharUUIDs = [FragmentCount]string{
	ScreenFragment0CharUUID,
	ScreenFragment1CharUUID,
	ScreenFragment2CharUUID,
	ScreenFragment3CharUUID,
}

// Display geometry. The panel is addressed in 8-row display pages of
// ScreenWidth bytes; transfers split the same buffer into FragmentCount
// pieces of FragmentBytes.
const (
	ScreenWidth   = 128
	ScreenHeight  = 64
	DisplayPages  = ScreenHeight / 8
	FrameBytes    = ScreenWidth * DisplayPages
	FragmentCount = 4
	FragmentBytes = FrameBytes / FragmentCount
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultScanTimeout    = 10 * time.Second
	ConnectTimeout        = 30 * time.Second
)
