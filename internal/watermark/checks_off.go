// Licensed under the MIT License. See LICENSE file in the project root for details.

//go:build !stackbarrier_checks

package watermark

const checksEnabled = false
