package game

// Color is an RGB triple attached to character tokens so players can tell
// their pieces apart.
type Color struct {
	Red   uint8 `json:"red"`
	Green uint8 `json:"green"`
	Blue  uint8 `json:"blue"`
}

// Palette is the ordered list of colors handed out to character tokens.
// Assignment is first-available from the front; released colors are appended
// to the back of the pool, so the order here determines the order players see.
var Palette = []Color{
	{Red: 230, Green: 25, Blue: 75},   // red
	{Red: 60, Green: 180, Blue: 75},   // green
	{Red: 0, Green: 130, Blue: 200},   // blue
	{Red: 245, Green: 130, Blue: 48},  // orange
	{Red: 145, Green: 30, Blue: 180},  // purple
	{Red: 70, Green: 240, Blue: 240},  // cyan
	{Red: 240, Green: 50, Blue: 230},  // magenta
	{Red: 128, Green: 128, Blue: 0},   // olive
	{Red: 0, Green: 128, Blue: 128},   // teal
	{Red: 128, Green: 0, Blue: 0},     // maroon
}
