package protocol

// Domain value mappings between the single-character codes on the wire and
// the canonical names published over MQTT.

var outputSourcePriorityNames = map[string]string{
	"0": "utility_solar_battery",
	"1": "solar_utility_battery",
	"2": "solar_battery_utility",
	"3": "unknown_3",
}

var chargerSourcePriorityNames = map[string]string{
	"0": "utility_first",
	"1": "solar_first",
	"2": "solar_and_utility",
	"3": "only_solar",
}

// run mode reply letters; unknown letters pass through verbatim
var runModeNames = map[string]string{
	"P": "power_on",
	"S": "standby",
	"L": "line",
	"B": "battery",
	"F": "fault",
	"H": "power_saving",
}

// OutputSourcePriorityName maps a wire code to its canonical name. Unknown
// codes pass through verbatim.
func OutputSourcePriorityName(code string) string {
	if name, ok := outputSourcePriorityNames[code]; ok {
		return name
	}
	return code
}

// ChargerSourcePriorityName maps a wire code to its canonical name. Unknown
// codes pass through verbatim.
func ChargerSourcePriorityName(code string) string {
	if name, ok := chargerSourcePriorityNames[code]; ok {
		return name
	}
	return code
}

// OutputSourcePriorityCode reverses OutputSourcePriorityName.
func OutputSourcePriorityCode(name string) (string, bool) {
	return reverseLookup(outputSourcePriorityNames, name)
}

// ChargerSourcePriorityCode reverses ChargerSourcePriorityName.
func ChargerSourcePriorityCode(name string) (string, bool) {
	return reverseLookup(chargerSourcePriorityNames, name)
}

// RunModeName maps a mode letter to its canonical name. Unknown letters pass
// through verbatim.
func RunModeName(letter string) string {
	if name, ok := runModeNames[letter]; ok {
		return name
	}
	return letter
}

func reverseLookup(m map[string]string, value string) (string, bool) {
	for code, name := range m {
		if name == value {
			return code, true
		}
	}
	return "", false
}
