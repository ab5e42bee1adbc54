// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

var colorNames = []string{
	"Amber", "Bronze", "Chartreuse", "Diamond", "Emerald", "Fuchsia", "Gold",
	"Hot Pink", "Indigo", "Kiwi", "Lilac", "Magenta", "Nickel", "Onyx",
	"Purple", "Quartz", "Red", "Silver", "Turquoise", "Umber", "Vermilion",
	"White", "Xanadu", "Yellow", "Zebra White", "Apricot", "Blueberry",
	"Carrot", "Date", "Eggplant", "Fig", "Grapefruit", "Honeydew",
}

// colorWheel hands out colour names. The offset is advanced before each
// lookup, so the first name returned is the second of the list.
type colorWheel struct {
	offset int
}

func (c *colorWheel) next() string {
	c.offset++
	return colorNames[c.offset%len(colorNames)]
}
