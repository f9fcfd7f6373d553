package media

import (
	"fmt"
	"image"

	"github.com/san-kum/pose-landmarker/server/models"
	"github.com/san-kum/pose-landmarker/server/overlay"
	"gocv.io/x/gocv"
)

// DecodeImage decodes any format OpenCV understands.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrSource)
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %w", models.ErrSource, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("%w: unrecognized image data", models.ErrSource)
	}
	return mat.ToImage()
}

func EncodePNG(img image.Image) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	return encodePNG(mat)
}

func encodePNG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// MatCanvas draws overlay primitives into an OpenCV matrix.
type MatCanvas struct {
	Mat *gocv.Mat
}

func (c MatCanvas) DrawPoint(x, y float64, paint overlay.Paint) {
	radius := int(paint.StrokeWidth / 2)
	if radius < 1 {
		radius = 1
	}
	thickness := -1
	if !paint.Fill {
		thickness = 1
	}
	gocv.Circle(c.Mat, image.Pt(int(x), int(y)), radius, paint.Color, thickness)
}

func (c MatCanvas) DrawLine(x1, y1, x2, y2 float64, paint overlay.Paint) {
	thickness := int(paint.StrokeWidth)
	if thickness < 1 {
		thickness = 1
	}
	gocv.Line(c.Mat, image.Pt(int(x1), int(y1)), image.Pt(int(x2), int(y2)), paint.Color, thickness)
}

// Annotate renders the bundle over img at its native size and returns a PNG.
func Annotate(img image.Image, bundle *models.ResultBundle, frame int, mode models.Mode) ([]byte, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	bounds := img.Bounds()
	renderer := overlay.NewRenderer()
	renderer.SetResult(bundle, bundle.InputImageHeight(), bundle.InputImageWidth(), mode)
	renderer.ShowFrame(frame)
	renderer.Render(MatCanvas{Mat: &mat}, bounds.Dx(), bounds.Dy())

	return encodePNG(mat)
}
