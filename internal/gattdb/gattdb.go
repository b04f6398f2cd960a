// Package gattdb names the Bluetooth SIG assigned numbers the publisher
// exposes or reports, and normalizes UUID strings for lookup.
package gattdb

import "strings"

const sigBaseSuffix = "00001000800000805f9b34fb"

var services = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1819": "Location and Navigation",
}

var characteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a19": "Battery Level",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a39": "Heart Rate Control Point",
	"2a67": "Location and Speed",
	"2a68": "Navigation",
	"2a69": "Position Quality",
	"2a6a": "LN Feature",
	"2a6b": "LN Control Point",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
}

// bodySensorLocations are the values of Body Sensor Location (0x2A38).
var bodySensorLocations = []string{"Other", "Chest", "Wrist", "Finger", "Hand", "Ear Lobe", "Foot"}

// NormalizeUUID lowercases u and strips dashes, braces and a 0x prefix. UUIDs
// on the SIG base are shortened to their 16-bit form.
func NormalizeUUID(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.TrimPrefix(u, "0x")
	u = strings.NewReplacer("-", "", "{", "", "}", "").Replace(u)

	if len(u) == 32 && strings.HasSuffix(u, sigBaseSuffix) && strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u
}

// LookupService returns the SIG name of a service or "".
func LookupService(uuid string) string {
	return services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the SIG name of a characteristic or "".
func LookupCharacteristic(uuid string) string {
	return characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the SIG name of a descriptor or "".
func LookupDescriptor(uuid string) string {
	return descriptors[NormalizeUUID(uuid)]
}

// BodySensorLocation names a Body Sensor Location value.
func BodySensorLocation(v byte) string {
	if int(v) < len(bodySensorLocations) {
		return bodySensorLocations[v]
	}
	return "Reserved"
}
